package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrUnexpectedOpcode = errors.New("unexpected opcode")

// Hello 连接建立后的第一帧
type Hello struct {
	SessionID  string
	Capacity   int
	RateHz     float64
	ServerTime time.Time
}

// SampleBatch 一批按序列号递增的采样
type SampleBatch struct {
	Sequences []uint64
	Values    []float64
}

// Event 一条会话日志，Seq 为 0 表示没有序列号
type Event struct {
	Seq       uint64
	Timestamp time.Time
	Display   string
	Message   string
}

// Impedances 阻抗快照，下标即通道号
type Impedances struct {
	Values []float64
}

// LogLine 服务端日志
type LogLine struct {
	Time    time.Time
	Level   string
	Message string
	Attrs   map[string]any
}

// EncodeStruct 把字段编码为 structpb 帧
func EncodeStruct(op Opcode, fields map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s payload: %w", op, err)
	}
	body, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return EncodeFrame(op, body)
}

// DecodeStruct 解码帧体
func DecodeStruct(frame Frame) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(frame.Body, s); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", frame.Opcode, err)
	}
	return s, nil
}

// EncodeHello 编码 Hello 帧
func EncodeHello(h Hello) ([]byte, error) {
	return EncodeStruct(OpHello, map[string]any{
		"session_id":  h.SessionID,
		"capacity":    h.Capacity,
		"rate_hz":     h.RateHz,
		"server_time": h.ServerTime.UnixMilli(),
	})
}

// DecodeHello 解码 Hello 帧
func DecodeHello(frame Frame) (Hello, error) {
	s, err := decodeAs(frame, OpHello)
	if err != nil {
		return Hello{}, err
	}
	f := s.GetFields()
	return Hello{
		SessionID:  f["session_id"].GetStringValue(),
		Capacity:   int(f["capacity"].GetNumberValue()),
		RateHz:     f["rate_hz"].GetNumberValue(),
		ServerTime: time.UnixMilli(int64(f["server_time"].GetNumberValue())),
	}, nil
}

// EncodeSampleBatch 编码采样批次，序列号和数值用两个并列列表
func EncodeSampleBatch(b SampleBatch) ([]byte, error) {
	if len(b.Sequences) != len(b.Values) {
		return nil, fmt.Errorf("%w: %d sequences, %d values", ErrInvalidFrame, len(b.Sequences), len(b.Values))
	}
	seqs := make([]any, len(b.Sequences))
	vals := make([]any, len(b.Values))
	for i := range b.Sequences {
		seqs[i] = float64(b.Sequences[i])
		vals[i] = b.Values[i]
	}
	return EncodeStruct(OpSampleBatch, map[string]any{
		"sequences": seqs,
		"values":    vals,
	})
}

// DecodeSampleBatch 解码采样批次
func DecodeSampleBatch(frame Frame) (SampleBatch, error) {
	s, err := decodeAs(frame, OpSampleBatch)
	if err != nil {
		return SampleBatch{}, err
	}
	seqs := s.GetFields()["sequences"].GetListValue().GetValues()
	vals := s.GetFields()["values"].GetListValue().GetValues()
	if len(seqs) != len(vals) {
		return SampleBatch{}, fmt.Errorf("%w: %d sequences, %d values", ErrInvalidFrame, len(seqs), len(vals))
	}

	b := SampleBatch{
		Sequences: make([]uint64, len(seqs)),
		Values:    make([]float64, len(vals)),
	}
	for i := range seqs {
		b.Sequences[i] = uint64(seqs[i].GetNumberValue())
		b.Values[i] = vals[i].GetNumberValue()
	}
	return b, nil
}

// EncodeEvent 编码日志条目
func EncodeEvent(e Event) ([]byte, error) {
	return EncodeStruct(OpEvent, map[string]any{
		"seq":       float64(e.Seq),
		"timestamp": e.Timestamp.UnixMilli(),
		"display":   e.Display,
		"message":   e.Message,
	})
}

// DecodeEvent 解码日志条目
func DecodeEvent(frame Frame) (Event, error) {
	s, err := decodeAs(frame, OpEvent)
	if err != nil {
		return Event{}, err
	}
	f := s.GetFields()
	return Event{
		Seq:       uint64(f["seq"].GetNumberValue()),
		Timestamp: time.UnixMilli(int64(f["timestamp"].GetNumberValue())),
		Display:   f["display"].GetStringValue(),
		Message:   f["message"].GetStringValue(),
	}, nil
}

// EncodeImpedances 编码阻抗快照
func EncodeImpedances(imp Impedances) ([]byte, error) {
	vals := make([]any, len(imp.Values))
	for i, v := range imp.Values {
		vals[i] = v
	}
	return EncodeStruct(OpImpedances, map[string]any{"values": vals})
}

// DecodeImpedances 解码阻抗快照
func DecodeImpedances(frame Frame) (Impedances, error) {
	s, err := decodeAs(frame, OpImpedances)
	if err != nil {
		return Impedances{}, err
	}
	list := s.GetFields()["values"].GetListValue().GetValues()
	imp := Impedances{Values: make([]float64, len(list))}
	for i, v := range list {
		imp.Values[i] = v.GetNumberValue()
	}
	return imp, nil
}

// EncodeConfig 编码配置快照
func EncodeConfig(fields map[string]any) ([]byte, error) {
	return EncodeStruct(OpConfig, fields)
}

// DecodeConfig 解码配置快照
func DecodeConfig(frame Frame) (map[string]any, error) {
	s, err := decodeAs(frame, OpConfig)
	if err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

// EncodeLog 编码服务端日志
func EncodeLog(l LogLine) ([]byte, error) {
	attrs := l.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return EncodeStruct(OpLog, map[string]any{
		"time":    l.Time.UnixMilli(),
		"level":   l.Level,
		"message": l.Message,
		"attrs":   attrs,
	})
}

// DecodeLog 解码服务端日志
func DecodeLog(frame Frame) (LogLine, error) {
	s, err := decodeAs(frame, OpLog)
	if err != nil {
		return LogLine{}, err
	}
	f := s.GetFields()
	return LogLine{
		Time:    time.UnixMilli(int64(f["time"].GetNumberValue())),
		Level:   f["level"].GetStringValue(),
		Message: f["message"].GetStringValue(),
		Attrs:   f["attrs"].GetStructValue().AsMap(),
	}, nil
}

func decodeAs(frame Frame, want Opcode) (*structpb.Struct, error) {
	if frame.Opcode != want {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedOpcode, want, frame.Opcode)
	}
	return DecodeStruct(frame)
}
