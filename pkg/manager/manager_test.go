package manager

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/distcache/internal/mgmtproto"
	"github.com/Voskan/distcache/internal/wire"
	"github.com/Voskan/distcache/pkg/config"
)

func newTestManager(t *testing.T) (*Manager, int) {
	t.Helper()
	cfg := config.ManagerConfig{
		Address:                                "127.0.0.1",
		Port:                                   0,
		DashboardPort:                          0,
		CacheHostInformationPollingIntervalMS: 1000,
		DeregistrationCadenceMilliseconds:     50,
	}
	mgr := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mgr.ListenAndServe(ctx))
	t.Cleanup(func() { cancel(); mgr.Stop() })
	return mgr, mgr.ln.Addr().(*net.TCPAddr).Port
}

func registerFakeHost(t *testing.T, port int, selfAddr string, selfPort int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)

	payload := mgmtproto.Encode(mgmtproto.OpRegister, mgmtproto.RegisterFields(selfAddr, selfPort, 0))
	require.NoError(t, wire.WriteFrame(conn, payload))

	frame, err := wire.ReadFrame(conn, wire.DefaultMaxMessageSize)
	require.NoError(t, err)
	op, _, err := mgmtproto.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, mgmtproto.OpRegisterAck, op)
	return conn
}

func TestRegisterSingleHostGetsOrdinalZero(t *testing.T) {
	mgr, port := newTestManager(t)
	conn := registerFakeHost(t, port, "127.0.0.1", 40001)
	defer conn.Close()

	require.Eventually(t, func() bool { return mgr.Table().Count() == 1 }, time.Second, 5*time.Millisecond)
	snap := mgr.Table().Snapshot()
	require.Equal(t, 0, snap[0].Ordinal)
}

func TestRegisterTwoHostsFansOutToEachOther(t *testing.T) {
	mgr, port := newTestManager(t)
	conn1 := registerFakeHost(t, port, "127.0.0.1", 40001)
	defer conn1.Close()

	conn2 := registerFakeHost(t, port, "127.0.0.1", 40002)
	defer conn2.Close()

	// conn1 should receive a fan-out OpRegisterHost about host 2.
	frame, err := wire.ReadFrame(conn1, wire.DefaultMaxMessageSize)
	require.NoError(t, err)
	op, fields, err := mgmtproto.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, mgmtproto.OpRegisterHost, op)
	addr, fport, _, _, err := mgmtproto.ParseRegisterHost(fields)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr)
	require.Equal(t, 40002, fport)

	// conn2 should receive a fan-out OpRegisterHost about host 1.
	frame, err = wire.ReadFrame(conn2, wire.DefaultMaxMessageSize)
	require.NoError(t, err)
	op, fields, err = mgmtproto.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, mgmtproto.OpRegisterHost, op)
	addr, fport, _, _, err = mgmtproto.ParseRegisterHost(fields)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr)
	require.Equal(t, 40001, fport)
}

func TestConnectionCloseEventuallyDeregisters(t *testing.T) {
	mgr, port := newTestManager(t)
	conn := registerFakeHost(t, port, "127.0.0.1", 40003)

	require.Eventually(t, func() bool { return mgr.Table().Count() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool { return mgr.Table().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGetPerformanceInformationReflectsReports(t *testing.T) {
	mgr, port := newTestManager(t)
	conn := registerFakeHost(t, port, "127.0.0.1", 40004)
	defer conn.Close()

	payload := mgmtproto.Encode(mgmtproto.OpPerformanceReport, mgmtproto.PerformanceReportFields(42, 1024, 50))
	require.NoError(t, wire.WriteFrame(conn, payload))

	require.Eventually(t, func() bool {
		info := mgr.GetPerformanceInformation()
		return len(info) == 1 && info[0].ItemCount == 42
	}, time.Second, 5*time.Millisecond)
}
