package psk

import (
	"encoding/binary"
	"io"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlstream/engine"
)

const (
	recordHeaderLen = 4
	helloNonceLen   = 32

	recordHello       byte = 0x01
	recordData        byte = 0x02
	recordCloseNotify byte = 0x03

	// maxWirePayload 覆盖明文上限加 AEAD 开销
	maxWirePayload = MaxPlaintext + 256
)

// plainRecord
// 追加一条明文记录到出站缓冲。仅握手期使用。
func (e *psk) plainRecord(typ byte, payload []byte) {
	e.out.Write(recordHeader(typ, len(payload)))
	e.out.Write(payload)
	return
}

// sealRecord
// 封一条加密记录到出站缓冲。记录头参与认证。
// 序号在封装时消耗，出站缓冲保证恰好一次送出。
func (e *psk) sealRecord(typ byte, plain []byte) {
	size := len(plain) + e.seal.Overhead()
	header := recordHeader(typ, size)
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], e.sendSeq)
	e.sendSeq++
	sealed := e.seal.Seal(nil, nonce[:], plain, header)
	e.out.Write(header)
	e.out.Write(sealed)
	return
}

func recordHeader(typ byte, size int) (header []byte) {
	header = []byte{typ, byte(size >> 16), byte(size >> 8), byte(size)}
	return
}

// readRecord
// 从入站缓冲取出一条完整记录，不足则向链路要。
// ok 为假时 op 携带堵塞或失败结果。密钥建立后的记录在此解封。
func (e *psk) readRecord() (typ byte, payload []byte, ok bool, op engine.Op) {
	for e.in.Len() < recordHeaderLen {
		if filled, fillOp := e.fill(); !filled {
			op = fillOp
			return
		}
	}
	header := e.in.Bytes()[:recordHeaderLen]
	typ = header[0]
	size := int(uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3]))
	if size > maxWirePayload {
		op = engine.Faulted(e.failed(errors.From(ErrBadRecord, errors.WithMeta("record", "oversize"))))
		return
	}
	for e.in.Len() < recordHeaderLen+size {
		if filled, fillOp := e.fill(); !filled {
			op = fillOp
			return
		}
	}
	record := make([]byte, recordHeaderLen+size)
	_, _ = e.in.Read(record)
	payload = record[recordHeaderLen:]
	if e.open != nil && typ != recordHello {
		var nonce [12]byte
		binary.BigEndian.PutUint64(nonce[4:], e.recvSeq)
		plain, openErr := e.open.Open(payload[:0], nonce[:], payload, record[:recordHeaderLen])
		if openErr != nil {
			op = engine.Faulted(e.failed(errors.New("psk record rejected", errors.WithWrap(openErr))))
			return
		}
		e.recvSeq++
		payload = plain
	}
	ok = true
	return
}

// flush
// 把出站缓冲尽量写进链路，部分写会被吸收后继续。
// 写不动时以 dir 报告堵塞，已写出的部分留在链路里不回退。
func (e *psk) flush(dir engine.Direction) (ok bool, op engine.Op) {
	for e.out.Len() > 0 {
		n, err := e.link.Write(e.out.Bytes())
		if n > 0 {
			e.out.Next(n)
			continue
		}
		if err == nil {
			op = engine.Faulted(e.failed(io.ErrShortWrite))
			return
		}
		if engine.IsWouldBlock(err) {
			op = engine.Blocked(dir)
			return
		}
		op = engine.Faulted(e.failed(err))
		return
	}
	ok = true
	return
}

// fill
// 从链路读一批字节进入站缓冲。
// 链路 EOF 在记录边界之外出现即为协议失败，干净关闭只经由 close notify。
func (e *psk) fill() (ok bool, op engine.Op) {
	var tmp [4096]byte
	n, err := e.link.Read(tmp[:])
	if n > 0 {
		e.in.Write(tmp[:n])
		ok = true
		return
	}
	if err != nil {
		if engine.IsWouldBlock(err) {
			op = engine.Blocked(engine.NeedsRead)
			return
		}
		op = engine.Faulted(e.failed(err))
		return
	}
	op = engine.Faulted(e.failed(io.ErrUnexpectedEOF))
	return
}
