package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"sas-collector/internal/transport"
)

type recordingHandler struct {
	seen []*transport.Response
}

func (h *recordingHandler) Process(resp *transport.Response) {
	h.seen = append(h.seen, resp)
}

func TestRegistry_DispatchRoutesByCommand(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	meters := &recordingHandler{}
	registry.Register("2F", meters)

	resp := &transport.Response{Command: "2F", Data: []byte{0x00, 0x01}}
	registry.Dispatch(resp)

	assert.Equal(t, []*transport.Response{resp}, meters.seen)
}

func TestRegistry_UnknownCommandDiscarded(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	meters := &recordingHandler{}
	registry.Register("2F", meters)

	registry.Dispatch(&transport.Response{Command: "1F"})
	registry.Dispatch(nil)

	assert.Empty(t, meters.seen)
}

func TestRegistry_CommandCodeCaseInsensitive(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	meters := &recordingHandler{}
	registry.Register("2f", meters)

	registry.Dispatch(&transport.Response{Command: "2F"})

	assert.Len(t, meters.seen, 1)
}

func TestRegistry_ReRegistrationReplaces(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	first := &recordingHandler{}
	second := &recordingHandler{}

	registry.Register("2F", first)
	registry.Register("2F", second)
	registry.Dispatch(&transport.Response{Command: "2F"})

	assert.Empty(t, first.seen)
	assert.Len(t, second.seen, 1)
}

func TestRegistry_InstancesAreIndependent(t *testing.T) {
	left := NewRegistry(zap.NewNop())
	right := NewRegistry(zap.NewNop())

	leftHandler := &recordingHandler{}
	left.Register("2F", leftHandler)

	right.Dispatch(&transport.Response{Command: "2F"})

	assert.Empty(t, leftHandler.seen)
}
