package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayURL(t *testing.T) {
	u, ok := relayURL(&mdns.ServiceEntry{AddrV4: net.IPv4(192, 168, 1, 20), Port: 8080})
	assert.True(t, ok)
	assert.Equal(t, "ws://192.168.1.20:8080", u)

	_, ok = relayURL(&mdns.ServiceEntry{Port: 8080})
	assert.False(t, ok)
	_, ok = relayURL(&mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 1)})
	assert.False(t, ok)
	_, ok = relayURL(nil)
	assert.False(t, ok)
}

func TestBrowse_EntryBeforeQueryReturnsIsFound(t *testing.T) {
	query := func(p *mdns.QueryParam) error {
		p.Entries <- &mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 7), Port: 9000}
		return nil
	}
	for i := 0; i < 200; i++ {
		u, err := browse(context.Background(), time.Second, query)
		require.NoError(t, err)
		assert.Equal(t, "ws://10.0.0.7:9000", u)
	}
}

func TestBrowse_NothingAnswers(t *testing.T) {
	_, err := browse(context.Background(), 10*time.Millisecond, func(*mdns.QueryParam) error { return nil })
	assert.ErrorContains(t, err, "no relay found")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	_, err = browse(ctx, time.Second, func(*mdns.QueryParam) error {
		<-block
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
