package engine

import (
	"io"

	"github.com/brickingsoft/errors"
)

var (
	// ErrWouldBlock
	// 引擎专用的堵塞哨兵。
	// 当链路未就绪时，由链路的 Read 或 Write 返回，引擎须将其转为 WouldBlock 操作结果。
	// 它不是硬性失败，不可以当成 io 错误来处理。
	ErrWouldBlock = errors.Define("link would block")
)

// IsWouldBlock
// 判断是否为堵塞哨兵。
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// Direction
// 重试前必须等待的传输就绪方向。
type Direction uint8

const (
	NoDirection Direction = iota
	NeedsRead
	NeedsWrite
	NeedsReadWrite
)

func (dir Direction) String() string {
	switch dir {
	case NeedsRead:
		return "needs_read"
	case NeedsWrite:
		return "needs_write"
	case NeedsReadWrite:
		return "needs_read_write"
	default:
		return "none"
	}
}

// Status
// 单次引擎调用的结果标签。
type Status uint8

const (
	Complete Status = iota
	WouldBlock
	CleanClose
	Failed
)

// Op
// 单次引擎调用的结果。
// 显式标签，而不是用错误来承载控制流，驱动循环据此进行分派。
type Op struct {
	Status Status
	N      int
	Dir    Direction
	Cause  error
}

func Completed(n int) Op {
	return Op{Status: Complete, N: n}
}

func Blocked(dir Direction) Op {
	return Op{Status: WouldBlock, Dir: dir}
}

func Closed() Op {
	return Op{Status: CleanClose}
}

func Faulted(cause error) Op {
	return Op{Status: Failed, Cause: cause}
}

// Engine
// 堵塞式 TLS 引擎。
//
// 引擎经由构建时给到的链路读写密文。当链路返回 ErrWouldBlock 时，
// 引擎必须保持内部缓冲一致并返回 WouldBlock 结果，
// 同种操作在就绪后重试时从中断处继续，不会丢失或重复密文。
type Engine interface {
	// Handshake
	// 推进握手。完成返回 Complete。
	Handshake() (op Op)
	// Decrypt
	// 解密明文到 p。对端发送 close notify 后返回 CleanClose。
	Decrypt(p []byte) (op Op)
	// Encrypt
	// 加密 p 的前缀并发出。N 为本次消耗的明文字节数，可小于 len(p)。
	Encrypt(p []byte) (op Op)
	// CloseNotify
	// 发送 close notify。完成返回 Complete。
	CloseNotify() (op Op)
}

// Builder
// 构建已配置好参数的引擎。证书、校验模式等均在构建器内部预先配置。
type Builder interface {
	Client(link io.ReadWriter) (eng Engine, err error)
	Server(link io.ReadWriter) (eng Engine, err error)
}
