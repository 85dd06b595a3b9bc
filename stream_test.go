package tlstream_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp"
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream"
	"github.com/brickingsoft/tlstream/engine"
	"github.com/brickingsoft/tlstream/transport"
)

// fakeTransport 手动挡的传输：
// auto 为真时就绪立即兑现，否则挂起成许诺由测试触发。
type fakeTransport struct {
	ctx     context.Context
	auto    bool
	mu      sync.Mutex
	readers []async.Promise[async.Void]
	writers []async.Promise[async.Void]
	readN   int
	writeN  int
}

func newFakeTransport(ctx context.Context, auto bool) *fakeTransport {
	return &fakeTransport{ctx: ctx, auto: auto}
}

func (t *fakeTransport) Context() context.Context { return t.ctx }
func (t *fakeTransport) LocalAddr() net.Addr      { return nil }
func (t *fakeTransport) RemoteAddr() net.Addr     { return nil }

func (t *fakeTransport) TryRead(p []byte) (n int, err error) {
	err = transport.ErrNotReady
	return
}

func (t *fakeTransport) TryWrite(p []byte) (n int, err error) {
	err = transport.ErrNotReady
	return
}

func (t *fakeTransport) Readable() (future async.Future[async.Void]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readN++
	if t.auto {
		future = async.SucceedImmediately[async.Void](t.ctx, async.Void{})
		return
	}
	promise, promiseErr := async.Make[async.Void](t.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[async.Void](t.ctx, promiseErr)
		return
	}
	t.readers = append(t.readers, promise)
	future = promise.Future()
	return
}

func (t *fakeTransport) Writable() (future async.Future[async.Void]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeN++
	if t.auto {
		future = async.SucceedImmediately[async.Void](t.ctx, async.Void{})
		return
	}
	promise, promiseErr := async.Make[async.Void](t.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[async.Void](t.ctx, promiseErr)
		return
	}
	t.writers = append(t.writers, promise)
	future = promise.Future()
	return
}

func (t *fakeTransport) fireReadable(cause error) {
	t.mu.Lock()
	fired := t.readers
	t.readers = nil
	t.mu.Unlock()
	for _, promise := range fired {
		if cause != nil {
			promise.Fail(cause)
		} else {
			promise.Succeed(async.Void{})
		}
	}
}

func (t *fakeTransport) fireWritable(cause error) {
	t.mu.Lock()
	fired := t.writers
	t.writers = nil
	t.mu.Unlock()
	for _, promise := range fired {
		if cause != nil {
			promise.Fail(cause)
		} else {
			promise.Succeed(async.Void{})
		}
	}
}

func (t *fakeTransport) pending() (readers int, writers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	readers, writers = len(t.readers), len(t.writers)
	return
}

func (t *fakeTransport) waits() (readN int, writeN int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	readN, writeN = t.readN, t.writeN
	return
}

func (t *fakeTransport) Close() error { return nil }

// scriptEngine 按脚本回放结果,脚本耗尽后一律成功。
type scriptEngine struct {
	handshakes []engine.Op
	decrypts   []engine.Op
	encrypts   []engine.Op
	closes     []engine.Op
}

func (e *scriptEngine) next(ops *[]engine.Op) (op engine.Op) {
	if len(*ops) == 0 {
		op = engine.Completed(0)
		return
	}
	op = (*ops)[0]
	*ops = (*ops)[1:]
	return
}

func (e *scriptEngine) Handshake() engine.Op       { return e.next(&e.handshakes) }
func (e *scriptEngine) Decrypt(p []byte) engine.Op { return e.next(&e.decrypts) }
func (e *scriptEngine) Encrypt(p []byte) engine.Op { return e.next(&e.encrypts) }
func (e *scriptEngine) CloseNotify() engine.Op     { return e.next(&e.closes) }

type scriptBuilder struct {
	eng *scriptEngine
}

func (b *scriptBuilder) Client(link io.ReadWriter) (engine.Engine, error) { return b.eng, nil }
func (b *scriptBuilder) Server(link io.ReadWriter) (engine.Engine, error) { return b.eng, nil }

func testContext(t *testing.T) (context.Context, func()) {
	exec, execErr := rxp.New()
	if execErr != nil {
		t.Fatal(execErr)
	}
	ctx := rxp.With(context.Background(), exec)
	return ctx, func() {
		_ = exec.Close()
	}
}

func TestHandshakeRetries(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{
		handshakes: []engine.Op{
			engine.Blocked(engine.NeedsRead),
			engine.Blocked(engine.NeedsWrite),
			engine.Blocked(engine.NeedsRead),
			engine.Completed(0),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("handshake failed:", err)
		}
	})
	wg.Wait()

	if state := s.State(); state != tlstream.Established {
		t.Error("state after handshake:", state)
		return
	}
	readN, writeN := ts.waits()
	if readN != 2 || writeN != 1 {
		t.Error("suspension directions:", readN, writeN)
	}

	// 重复握手共享既有结果
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("repeated handshake:", err)
		}
	})
	wg.Wait()
}

func TestReadCleanClose(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Completed(0)},
		decrypts: []engine.Op{
			engine.Blocked(engine.NeedsRead),
			engine.Closed(),
			engine.Closed(),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		wg.Done()
	})
	wg.Wait()

	p := make([]byte, 16)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
			defer wg.Done()
			if err != nil {
				t.Error("read failed:", err)
				return
			}
			if n != 0 {
				t.Error("clean close should read 0:", n)
			}
		})
		wg.Wait()
	}
	if state := s.State(); state != tlstream.Established {
		t.Error("clean close is not a failure:", state)
	}
}

func TestFailureLatch(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	boom := errors.Define("engine boom")
	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Completed(0)},
		decrypts:   []engine.Op{engine.Faulted(boom)},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		wg.Done()
	})
	wg.Wait()

	p := make([]byte, 16)
	wg.Add(1)
	s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if !errors.Is(err, boom) {
			t.Error("cause should be preserved:", err)
		}
	})
	wg.Wait()

	if state := s.State(); state != tlstream.Failed {
		t.Error("state after failure:", state)
		return
	}
	readN, writeN := ts.waits()

	// 失败闩住后一切操作立即得到首个失败,不再触碰传输
	wg.Add(1)
	s.Write([]byte("x")).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if !errors.Is(err, boom) {
			t.Error("latched failure should be returned:", err)
		}
	})
	wg.Wait()
	wg.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if !errors.Is(err, boom) {
			t.Error("latched failure should be returned:", err)
		}
	})
	wg.Wait()

	afterReadN, afterWriteN := ts.waits()
	if afterReadN != readN || afterWriteN != writeN {
		t.Error("failed stream touched the transport")
	}
}

func TestBusy(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, false)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Completed(0)},
		decrypts: []engine.Op{
			engine.Blocked(engine.NeedsRead),
			engine.Completed(5),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		wg.Done()
	})
	wg.Wait()

	p := make([]byte, 16)
	wg.Add(1)
	s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("suspended read failed:", err)
			return
		}
		if n != 5 {
			t.Error("read result:", n)
		}
	})

	// 第一个读还挂着,第二个立即拒绝
	busyWG := new(sync.WaitGroup)
	busyWG.Add(1)
	s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
		defer busyWG.Done()
		if !tlstream.IsBusy(err) {
			t.Error("concurrent op should be busy:", err)
		}
	})
	busyWG.Wait()

	ts.fireReadable(nil)
	wg.Wait()
}

func TestNeedsReadWrite(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, false)
	eng := &scriptEngine{
		handshakes: []engine.Op{
			engine.Blocked(engine.NeedsReadWrite),
			engine.Completed(0),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("handshake failed:", err)
		}
	})

	for {
		readers, writers := ts.pending()
		if readers == 1 && writers == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// 先到者触发重试
	ts.fireWritable(nil)
	wg.Wait()

	if state := s.State(); state != tlstream.Established {
		t.Error("state after handshake:", state)
	}
	// 后到者被吸收,不得造成二次驱动
	ts.fireReadable(nil)
}

func TestReadCancellation(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, false)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Completed(0)},
		decrypts: []engine.Op{
			engine.Blocked(engine.NeedsRead),
			engine.Completed(3),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		wg.Done()
	})
	wg.Wait()

	p := make([]byte, 16)
	wg.Add(1)
	s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if !errors.Is(err, context.Canceled) {
			t.Error("canceled read:", err)
		}
	})
	for {
		if readers, _ := ts.pending(); readers == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	ts.fireReadable(context.Canceled)
	wg.Wait()

	// 取消不终结流,同种操作可重发
	if state := s.State(); state != tlstream.Established {
		t.Error("cancellation should not fail the stream:", state)
		return
	}
	wg.Add(1)
	s.Read(p).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("reissued read failed:", err)
			return
		}
		if n != 3 {
			t.Error("reissued read result:", n)
		}
	})
	wg.Wait()
}

func TestUsageGates(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Read(make([]byte, 8)).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if !tlstream.IsUsage(err) {
			t.Error("read before handshake:", err)
		}
	})
	wg.Wait()

	wg.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if !tlstream.IsUsage(err) {
			t.Error("shutdown before handshake:", err)
		}
	})
	wg.Wait()

	wg.Add(1)
	s.Read(nil).OnComplete(func(ctx context.Context, n int, err error) {
		defer wg.Done()
		if err == nil {
			t.Error("empty bytes should be rejected")
		}
	})
	wg.Wait()
}

func TestShutdownThenClose(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Completed(0)},
		closes: []engine.Op{
			engine.Blocked(engine.NeedsWrite),
			engine.Completed(0),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		wg.Done()
	})
	wg.Wait()

	wg.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("shutdown failed:", err)
		}
	})
	wg.Wait()
	if state := s.State(); state != tlstream.Closed {
		t.Error("state after shutdown:", state)
		return
	}

	// 已关闭后重复 Shutdown 立即成功
	wg.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("repeated shutdown:", err)
		}
	})
	wg.Wait()

	wg.Add(1)
	s.Close().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("close failed:", err)
		}
	})
	wg.Wait()
}

func TestShutdownDuringHandshake(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, false)
	eng := &scriptEngine{
		handshakes: []engine.Op{
			engine.Blocked(engine.NeedsRead),
			engine.Completed(0),
		},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("handshake failed:", err)
		}
	})
	for {
		if readers, _ := ts.pending(); readers == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// 握手挂起期间 Shutdown 不得插队驱动引擎
	busyWG := new(sync.WaitGroup)
	busyWG.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer busyWG.Done()
		if !tlstream.IsBusy(err) {
			t.Error("shutdown while handshake in flight:", err)
		}
	})
	busyWG.Wait()
	if state := s.State(); state != tlstream.Handshaking {
		t.Error("state while handshake in flight:", state)
		return
	}

	ts.fireReadable(nil)
	wg.Wait()
	if state := s.State(); state != tlstream.Established {
		t.Error("state after handshake resumed:", state)
		return
	}

	// 握手完成后名额释放,Shutdown 正常推进
	wg.Add(1)
	s.Shutdown().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if err != nil {
			t.Error("shutdown after handshake:", err)
		}
	})
	wg.Wait()
	if state := s.State(); state != tlstream.Closed {
		t.Error("state after shutdown:", state)
	}
}

func TestHandshakeTransportError(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	broken := errors.Define("connection reset")
	ts := newFakeTransport(ctx, false)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Blocked(engine.NeedsRead)},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		// 传输硬错误原样穿出
		if !errors.Is(err, broken) {
			t.Error("transport error should surface verbatim:", err)
		}
	})
	for {
		if readers, _ := ts.pending(); readers == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	ts.fireReadable(broken)
	wg.Wait()

	if state := s.State(); state != tlstream.Failed {
		t.Error("state after transport error:", state)
	}
}

func TestHandshakeEOF(t *testing.T) {
	ctx, closer := testContext(t)
	defer closer()

	ts := newFakeTransport(ctx, true)
	eng := &scriptEngine{
		handshakes: []engine.Op{engine.Closed()},
	}
	s, sErr := tlstream.Client(ts, &scriptBuilder{eng: eng})
	if sErr != nil {
		t.Error(sErr)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, err error) {
		defer wg.Done()
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Error("mid-handshake EOF:", err)
		}
	})
	wg.Wait()
	if state := s.State(); state != tlstream.Failed {
		t.Error("state after mid-handshake EOF:", state)
	}
}
