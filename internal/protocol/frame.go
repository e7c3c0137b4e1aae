package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 单帧上限
	MaxFrameSize = 1024 * 1024
	MaxBodySize  = MaxFrameSize - FrameHeaderSize
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Frame 一个完整的协议帧
type Frame struct {
	Opcode Opcode
	Body   []byte
}

// EncodeFrame 编码为 | opcode(2) | length(4) | body | ，大端序
func EncodeFrame(op Opcode, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(op))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)
	return buf, nil
}

// DecodeFrame 解码一个完整帧，raw 的长度必须与头部声明一致
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < FrameHeaderSize {
		return Frame{}, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	op := Opcode(binary.BigEndian.Uint16(raw[0:2]))
	bodyLen := int(binary.BigEndian.Uint32(raw[2:6]))
	if want := FrameHeaderSize + bodyLen; len(raw) != want {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, want, len(raw))
	}

	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		copy(body, raw[FrameHeaderSize:])
	}
	return Frame{Opcode: op, Body: body}, nil
}

// FrameDecoder 流式解码，可以分多次 Feed 一个帧，也可以一次 Feed 多个帧
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder 创建流式解码器
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buf: make([]byte, 0, 1024)}
}

// Feed 追加数据
func (d *FrameDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next 取出下一个完整帧；数据不足时返回 (nil, nil)
func (d *FrameDecoder) Next() (*Frame, error) {
	if len(d.buf) < FrameHeaderSize {
		return nil, nil
	}

	size := FrameHeaderSize + int(binary.BigEndian.Uint32(d.buf[2:6]))
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(d.buf) < size {
		return nil, nil
	}

	frame, err := DecodeFrame(d.buf[:size])
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[size:]
	return &frame, nil
}

// Reset 丢弃未处理的数据
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
}

// Buffered 未处理的字节数
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}
