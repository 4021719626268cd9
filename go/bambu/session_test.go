package bambu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionClientSwapIsSerialized(t *testing.T) {
	var s = &Session{name: "B1", serial: "SN001"}

	// Reconnects swap the client handle while command publishers read it;
	// hammer both sides concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.setClient(nil)
				_ = s.publish([]byte(`{"pushing":{"command":"pushall"}}`))
				_ = s.currentClient()
			}
		}()
	}
	wg.Wait()

	require.Nil(t, s.currentClient())
	require.Error(t, s.publish([]byte("{}")))
}
