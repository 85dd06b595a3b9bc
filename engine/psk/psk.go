// Package psk 提供一个预共享密钥的最小引擎实现。
//
// 它不是 TLS，只承担引擎该有的契约：经由链路读写密文、
// 在链路堵塞后可重入续传、以 close notify 表达干净关闭。
// 用于适配层的端到端测试与进程内装配。
package psk

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlstream/engine"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinKeySize
	// 预共享密钥的最小长度。
	MinKeySize = 16
	// MaxPlaintext
	// 单条记录承载的明文上限，单次 Encrypt 最多消耗这么多。
	MaxPlaintext = 4096

	DefaultLabel = "tlstream psk v1"
)

var (
	ErrKeyTooShort         = errors.Define("psk key too short")
	ErrHandshakeIncomplete = errors.Define("psk handshake incomplete")
	ErrBadRecord           = errors.Define("psk bad record")
)

type Config struct {
	// Key 两端一致的预共享密钥
	Key []byte
	// Label 密钥派生的标注，两端须一致。空则使用 DefaultLabel。
	Label string
}

// NewBuilder
// 以给定配置构建引擎构建器。参数在这里配置完毕，流不再关心。
func NewBuilder(config Config) (b engine.Builder, err error) {
	if len(config.Key) < MinKeySize {
		err = errors.From(ErrKeyTooShort, errors.WithMeta("pkg", "psk"))
		return
	}
	if config.Label == "" {
		config.Label = DefaultLabel
	}
	key := make([]byte, len(config.Key))
	copy(key, config.Key)
	b = &builder{
		key:   key,
		label: config.Label,
	}
	return
}

type builder struct {
	key   []byte
	label string
}

func (b *builder) Client(link io.ReadWriter) (eng engine.Engine, err error) {
	eng = newEngine(link, b.key, b.label, true)
	return
}

func (b *builder) Server(link io.ReadWriter) (eng engine.Engine, err error) {
	eng = newEngine(link, b.key, b.label, false)
	return
}

const (
	stageInit uint8 = iota
	stageHelloQueued
	stageHelloSent
	stageReplyQueued
	stageDone
)

func newEngine(link io.ReadWriter, key []byte, label string, isClient bool) *psk {
	return &psk{
		link:     link,
		key:      key,
		label:    label,
		isClient: isClient,
	}
}

// psk
// 引擎本体。in 与 out 即规格里的入站、出站密文缓冲，
// 堵塞后的再次调用从缓冲现状继续，不丢也不重。
type psk struct {
	link     io.ReadWriter
	key      []byte
	label    string
	isClient bool

	stage      uint8
	localNonce [helloNonceLen]byte
	peerNonce  [helloNonceLen]byte

	in  bytes.Buffer
	out bytes.Buffer

	seal    cipher.AEAD
	open    cipher.AEAD
	sendSeq uint64
	recvSeq uint64

	pendingPlain bytes.Buffer
	pendingWrite int

	closeQueued bool
	closeSent   bool
	peerClosed  bool
	fault       error
}

func (e *psk) Handshake() (op engine.Op) {
	if e.fault != nil {
		op = engine.Faulted(e.fault)
		return
	}
	if e.stage == stageDone {
		op = engine.Completed(0)
		return
	}
	if e.isClient {
		op = e.clientHandshake()
		return
	}
	op = e.serverHandshake()
	return
}

func (e *psk) clientHandshake() (op engine.Op) {
	if e.stage == stageInit {
		if err := e.queueHello(); err != nil {
			op = engine.Faulted(e.failed(err))
			return
		}
		e.stage = stageHelloQueued
	}
	if e.stage == stageHelloQueued {
		// 这里既要冲掉 hello 又在等对端回应
		ok, flushOp := e.flush(engine.NeedsReadWrite)
		if !ok {
			op = flushOp
			return
		}
		e.stage = stageHelloSent
	}
	typ, payload, ok, readOp := e.readRecord()
	if !ok {
		op = readOp
		return
	}
	if typ != recordHello || len(payload) != helloNonceLen {
		op = engine.Faulted(e.failed(errors.From(ErrBadRecord, errors.WithMeta("record", "hello"))))
		return
	}
	copy(e.peerNonce[:], payload)
	if err := e.deriveKeys(); err != nil {
		op = engine.Faulted(e.failed(err))
		return
	}
	e.stage = stageDone
	op = engine.Completed(0)
	return
}

func (e *psk) serverHandshake() (op engine.Op) {
	if e.stage == stageInit {
		typ, payload, ok, readOp := e.readRecord()
		if !ok {
			op = readOp
			return
		}
		if typ != recordHello || len(payload) != helloNonceLen {
			op = engine.Faulted(e.failed(errors.From(ErrBadRecord, errors.WithMeta("record", "hello"))))
			return
		}
		copy(e.peerNonce[:], payload)
		if err := e.queueHello(); err != nil {
			op = engine.Faulted(e.failed(err))
			return
		}
		e.stage = stageReplyQueued
	}
	ok, flushOp := e.flush(engine.NeedsWrite)
	if !ok {
		op = flushOp
		return
	}
	if err := e.deriveKeys(); err != nil {
		op = engine.Faulted(e.failed(err))
		return
	}
	e.stage = stageDone
	op = engine.Completed(0)
	return
}

func (e *psk) Decrypt(p []byte) (op engine.Op) {
	if e.fault != nil {
		op = engine.Faulted(e.fault)
		return
	}
	if e.stage != stageDone {
		op = engine.Faulted(errors.From(ErrHandshakeIncomplete))
		return
	}
	if e.pendingPlain.Len() > 0 {
		n, _ := e.pendingPlain.Read(p)
		op = engine.Completed(n)
		return
	}
	if e.peerClosed {
		op = engine.Closed()
		return
	}
	for {
		typ, payload, ok, readOp := e.readRecord()
		if !ok {
			op = readOp
			return
		}
		switch typ {
		case recordData:
			if len(payload) == 0 {
				continue
			}
			n := copy(p, payload)
			if n < len(payload) {
				e.pendingPlain.Write(payload[n:])
			}
			op = engine.Completed(n)
			return
		case recordCloseNotify:
			e.peerClosed = true
			op = engine.Closed()
			return
		default:
			op = engine.Faulted(e.failed(errors.From(ErrBadRecord, errors.WithMeta("record", "type"))))
			return
		}
	}
}

func (e *psk) Encrypt(p []byte) (op engine.Op) {
	if e.fault != nil {
		op = engine.Faulted(e.fault)
		return
	}
	if e.stage != stageDone {
		op = engine.Faulted(errors.From(ErrHandshakeIncomplete))
		return
	}
	if e.pendingWrite == 0 {
		n := len(p)
		if n > MaxPlaintext {
			n = MaxPlaintext
		}
		e.sealRecord(recordData, p[:n])
		e.pendingWrite = n
	}
	// 重试时 out 里还挂着同一条记录，冲完才算消耗完成
	ok, flushOp := e.flush(engine.NeedsWrite)
	if !ok {
		op = flushOp
		return
	}
	n := e.pendingWrite
	e.pendingWrite = 0
	op = engine.Completed(n)
	return
}

func (e *psk) CloseNotify() (op engine.Op) {
	if e.fault != nil {
		op = engine.Faulted(e.fault)
		return
	}
	if e.closeSent && e.out.Len() == 0 {
		op = engine.Completed(0)
		return
	}
	if !e.closeQueued {
		if e.seal != nil {
			e.sealRecord(recordCloseNotify, nil)
		} else {
			e.plainRecord(recordCloseNotify, nil)
		}
		e.closeQueued = true
	}
	ok, flushOp := e.flush(engine.NeedsWrite)
	if !ok {
		op = flushOp
		return
	}
	e.closeSent = true
	op = engine.Completed(0)
	return
}

func (e *psk) queueHello() (err error) {
	if _, randErr := rand.Read(e.localNonce[:]); randErr != nil {
		err = errors.New("psk hello failed", errors.WithWrap(randErr))
		return
	}
	e.plainRecord(recordHello, e.localNonce[:])
	return
}

func (e *psk) deriveKeys() (err error) {
	salt := make([]byte, 0, 2*helloNonceLen)
	if e.isClient {
		salt = append(salt, e.localNonce[:]...)
		salt = append(salt, e.peerNonce[:]...)
	} else {
		salt = append(salt, e.peerNonce[:]...)
		salt = append(salt, e.localNonce[:]...)
	}
	reader := hkdf.New(sha256.New, e.key, salt, []byte(e.label))
	material := make([]byte, 2*chacha20poly1305.KeySize)
	if _, readErr := io.ReadFull(reader, material); readErr != nil {
		err = errors.New("psk key schedule failed", errors.WithWrap(readErr))
		return
	}
	clientAEAD, clientErr := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if clientErr != nil {
		err = errors.New("psk key schedule failed", errors.WithWrap(clientErr))
		return
	}
	serverAEAD, serverErr := chacha20poly1305.New(material[chacha20poly1305.KeySize:])
	if serverErr != nil {
		err = errors.New("psk key schedule failed", errors.WithWrap(serverErr))
		return
	}
	if e.isClient {
		e.seal, e.open = clientAEAD, serverAEAD
	} else {
		e.seal, e.open = serverAEAD, clientAEAD
	}
	return
}

func (e *psk) failed(cause error) (err error) {
	e.fault = cause
	err = cause
	return
}
