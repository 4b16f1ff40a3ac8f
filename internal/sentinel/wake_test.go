package sentinel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanregner/hydra-sentinel/internal/model"
)

func TestMagicPacket(t *testing.T) {
	addr := model.MacAddress{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	packet := magicPacket(addr)

	require.Len(t, packet, 102)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 6), packet[:6])
	for i := 0; i < 16; i++ {
		start := 6 + i*6
		assert.Equal(t, addr[:], packet[start:start+6], "repetition %d", i)
	}
}
