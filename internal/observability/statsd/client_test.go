package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricName(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"sopline", "stage.duration", "sopline.stage.duration"},
		{"", " task/transition ", "task_transition"},
		{"sopline", "foo..bar.", "sopline.foo.bar"},
		{"sopline", "  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, metricName(tt.prefix, tt.name), "%q + %q", tt.prefix, tt.name)
	}
}

func TestLine_MergesAndSortsTags(t *testing.T) {
	c := &Client{
		prefix: "sopline",
		global: cleanTags(map[string]string{" env ": " prod ", "service": "pipeline"}),
	}

	got := c.line("stage.result", "1", "c", map[string]string{"stage": " fetch ", "env": "stage", "": "dropped"})

	assert.Equal(t, "sopline.stage.result:1|c|#env:stage,service:pipeline,stage:fetch", got)
	assert.Equal(t, "sopline.x:2|g", (&Client{prefix: "sopline"}).line("x", "2", "g", nil))
}

func TestClient_SendsDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	c, err := NewClient(Config{Enabled: true, Address: pc.LocalAddr().String(), Prefix: "sopline."})
	require.NoError(t, err)
	require.True(t, c.Enabled())

	c.Timing("stage.duration", 1500*time.Microsecond, map[string]string{"stage": "probe"})

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "sopline.stage.duration:1.5|ms|#stage:probe", string(buf[:n]))

	require.NoError(t, c.Close())
	assert.False(t, c.Enabled())
	require.NoError(t, c.Close())
}

func TestClient_DisabledAndNil(t *testing.T) {
	c, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, c.Enabled())
	c.Count("ignored", 1, nil)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	nilClient.Gauge("ignored", 1, nil)
	require.NoError(t, nilClient.Close())
}

func TestNewClient_DialError(t *testing.T) {
	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.ErrorContains(t, err, "statsd dial")
}
