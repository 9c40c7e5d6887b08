package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sleepsense-monitor/common/config"
	mqttcommon "sleepsense-monitor/common/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const device = "SS-2025-X1-28934"

// fakeTransport 可控的传输会话
type fakeTransport struct {
	mu           sync.Mutex
	ep           config.BrokerEndpoint
	events       mqttcommon.Events
	connectErr   error
	block        bool
	subscribeErr error
	subscribed   []string
	closed       bool
	dialedAt     chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, timeout time.Duration) error {
	close(f.dialedAt)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.events.OnConnect()
	return nil
}

func (f *fakeTransport) Subscribe(topics []string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, topics...)
	return nil
}

func (f *fakeTransport) Close(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer 按顺序记录每次拨号，行为由 configure 决定
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(n int, t *fakeTransport)
}

func (d *fakeDialer) Dial(ep config.BrokerEndpoint, clientID string, events mqttcommon.Events) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTransport{ep: ep, events: events, dialedAt: make(chan struct{})}
	if d.configure != nil {
		d.configure(len(d.transports), t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) hosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.transports))
	for i, t := range d.transports {
		out[i] = t.ep.Host
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func endpoints() []config.BrokerEndpoint {
	return []config.BrokerEndpoint{
		{Scheme: "ws", Host: "primary", Port: 9001, Path: "/mqtt"},
		{Scheme: "ws", Host: "fallback", Port: 9001, Path: "/mqtt"},
		{Scheme: "mqtt", Host: "tcp", Port: 1883},
	}
}

type received struct {
	mu     sync.Mutex
	topics []string
}

func (r *received) handle(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func setupManager(t *testing.T, configure func(n int, t *fakeTransport)) (*Manager, *fakeDialer, *clock, *received) {
	dialer := &fakeDialer{configure: configure}
	clk := &clock{now: time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)}
	rec := &received{}

	m := NewManager(Options{Endpoints: endpoints(), QoS: 1}, dialer, rec.handle, nil, zap.NewNop())
	m.now = clk.Now
	t.Cleanup(m.Close)
	return m, dialer, clk, rec
}

func TestConnect_SuccessSubscribesDeviceTopics(t *testing.T) {
	m, dialer, _, _ := setupManager(t, nil)

	assert.Equal(t, StateIdle, m.Status().State)
	require.True(t, m.Connect(context.Background(), device))

	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.Attempts)
	assert.Empty(t, st.Error)
	assert.Equal(t, "ws://primary:9001/mqtt", st.Broker)

	assert.Equal(t, []string{
		"sleepsense/device/" + device + "/finger",
		"sleepsense/device/" + device + "/belt",
		"sleepsense/device/" + device + "/status",
	}, dialer.last().subscribed)
}

func TestConnect_Throttled(t *testing.T) {
	m, dialer, clk, _ := setupManager(t, func(n int, t *fakeTransport) {
		t.connectErr = errors.New("refused")
	})

	assert.True(t, m.Connect(context.Background(), device))
	clk.Advance(time.Second)
	assert.False(t, m.Connect(context.Background(), device))
	assert.Equal(t, 1, dialer.count())

	clk.Advance(2 * time.Second)
	assert.True(t, m.Connect(context.Background(), device))
	assert.Equal(t, 2, dialer.count())
}

func TestConnect_TimeoutRotatesEndpoint(t *testing.T) {
	m, dialer, clk, _ := setupManager(t, func(n int, t *fakeTransport) {
		t.connectErr = mqttcommon.ErrConnectTimeout
	})

	start := m.Status().BrokerIndex
	for i := 0; i < 4; i++ {
		m.Connect(context.Background(), device)
		clk.Advance(3 * time.Second)
	}

	st := m.Status()
	assert.NotEqual(t, start, st.BrokerIndex)
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.Connected)
	assert.Equal(t, 4, st.Attempts)
	assert.Equal(t, "Connection timed out. Trying alternative broker...", st.Error)
	assert.Equal(t, []string{"primary", "fallback", "tcp", "primary"}, dialer.hosts())

	for _, tr := range dialer.transports {
		assert.True(t, tr.isClosed())
	}
}

func TestConnect_FailureThenSuccessResetsAttempts(t *testing.T) {
	m, _, clk, _ := setupManager(t, func(n int, t *fakeTransport) {
		if n == 0 {
			t.connectErr = errors.New("connection refused")
		}
	})

	m.Connect(context.Background(), device)
	st := m.Status()
	assert.Equal(t, 1, st.Attempts)
	assert.Contains(t, st.Error, "Failed to connect: connection refused")

	clk.Advance(3 * time.Second)
	m.Connect(context.Background(), device)
	st = m.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.Attempts)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, st.BrokerIndex)
}

func TestReconnecting_RotatesAfterFourRetries(t *testing.T) {
	m, dialer, _, _ := setupManager(t, nil)
	require.True(t, m.Connect(context.Background(), device))
	first := dialer.last()

	for i := 1; i <= 4; i++ {
		first.events.OnReconnecting()
		st := m.Status()
		assert.Equal(t, 0, st.BrokerIndex)
		assert.Equal(t, i, st.Attempts)
		assert.Equal(t, StateConnecting, st.State)
	}

	first.events.OnReconnecting()
	st := m.Status()
	assert.Equal(t, 1, st.BrokerIndex)
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, "Too many reconnect attempts. Trying alternative broker...", st.Error)
	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)

	// 已放弃的会话再发事件不影响状态
	first.events.OnConnect()
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestSubscribeFailure_StaysConnected(t *testing.T) {
	m, _, _, _ := setupManager(t, func(n int, t *fakeTransport) {
		t.subscribeErr = errors.New("not authorized")
	})

	m.Connect(context.Background(), device)

	st := m.Status()
	assert.True(t, st.Connected)
	assert.Contains(t, st.Error, "Failed to subscribe to topics")
}

func TestConnectionLost(t *testing.T) {
	m, dialer, _, _ := setupManager(t, nil)
	m.Connect(context.Background(), device)

	dialer.last().events.OnConnectionLost(errors.New("EOF"))

	st := m.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, "Connection error: EOF", st.Error)
	assert.Equal(t, 0, st.BrokerIndex)
}

func TestReconnect_Manual(t *testing.T) {
	m, dialer, clk, rec := setupManager(t, nil)
	m.Connect(context.Background(), device)
	first := dialer.last()
	first.events.OnReconnecting()

	m.Reconnect()

	st := m.Status()
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, st.BrokerIndex)
	assert.Equal(t, 0, st.Attempts)
	assert.Empty(t, st.Error)
	assert.False(t, st.Connected)

	// 旧会话的消息被忽略
	first.events.OnMessage("sleepsense/device/"+device+"/finger", []byte(`{"spo2":97}`))
	assert.Equal(t, 0, rec.count())

	clk.Advance(3 * time.Second)
	m.Connect(context.Background(), device)
	assert.Equal(t, "fallback", dialer.last().ep.Host)
	assert.True(t, m.Status().Connected)
}

func TestOnMessage_DeliversAndTracksLastMessage(t *testing.T) {
	m, dialer, clk, rec := setupManager(t, nil)
	m.Connect(context.Background(), device)

	clk.Advance(500 * time.Millisecond)
	dialer.last().events.OnMessage("sleepsense/device/"+device+"/belt", []byte(`{"ecg":0.1}`))

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, clk.Now(), m.Status().LastMessage)
}

func TestClose_ReleasesTransportAndStopsDelivery(t *testing.T) {
	m, dialer, clk, rec := setupManager(t, nil)
	m.Connect(context.Background(), device)
	tr := dialer.last()

	m.Close()
	m.Close()

	assert.True(t, tr.isClosed())
	assert.False(t, m.Status().Connected)

	tr.events.OnMessage("sleepsense/device/"+device+"/finger", []byte(`{"spo2":97}`))
	assert.Equal(t, 0, rec.count())

	clk.Advance(time.Minute)
	assert.False(t, m.Connect(context.Background(), device))
	assert.Equal(t, 1, dialer.count())
}

func TestClose_AbandonsInFlightAttempt(t *testing.T) {
	m, dialer, _, _ := setupManager(t, func(n int, t *fakeTransport) {
		t.block = true
	})

	done := make(chan bool)
	go func() {
		done <- m.Connect(context.Background(), device)
	}()

	require.Eventually(t, func() bool { return dialer.count() == 1 }, time.Second, 5*time.Millisecond)
	<-dialer.last().dialedAt

	m.Close()

	select {
	case attempted := <-done:
		assert.True(t, attempted)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after close")
	}
	assert.True(t, dialer.last().isClosed())
	assert.Empty(t, m.Status().Error)
}

func TestConnect_NoEndpoints(t *testing.T) {
	m := NewManager(Options{}, &fakeDialer{}, nil, nil, zap.NewNop())
	defer m.Close()

	assert.True(t, m.Connect(context.Background(), device))
	st := m.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.NotEmpty(t, st.Error)
	assert.Empty(t, st.Broker)
}

func TestTopics_CustomPrefix(t *testing.T) {
	assert.Equal(t, []string{"lab/device/D1/finger", "lab/device/D1/belt", "lab/device/D1/status"}, Topics("lab", "D1"))
}

func TestNewClientID(t *testing.T) {
	id := NewClientID()
	assert.Len(t, id, len("sleepsense_monitor_")+8)
	assert.NotEqual(t, id, NewClientID())
}
