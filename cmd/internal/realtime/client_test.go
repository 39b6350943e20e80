package realtime

import (
	"testing"

	v1 "huddle/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestClient_Lifecycle(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	var nilClient *Client
	req.True(nilClient.Anonymous())
	req.True(nilClient.Closed())
	req.True(NewClient("", "s0", 1).Anonymous())

	c := NewClient("U1", "s1", 1)
	req.False(c.Anonymous())
	req.False(c.Closed())

	req.True(c.Enqueue(testEnvelope(t, v1.TypeGroupMessage)))
	req.False(c.Enqueue(testEnvelope(t, v1.TypeGroupMessage)))
	req.Equal(uint64(1), c.Dropped())

	c.Close()
	c.Close()
	req.True(c.Closed())
	req.False(c.Enqueue(testEnvelope(t, v1.TypeGroupMessage)))
	req.Equal(uint64(1), c.Dropped())
}
