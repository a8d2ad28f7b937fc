package client

import (
	"errors"
	"io"
	"testing"

	"github.com/dkeye/Chatline/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		superseded   bool
		serverClosed bool
	}{
		{"superseded", &websocket.CloseError{Code: core.CloseSuperseded, Text: "newer tab"}, true, false},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, false, true},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false, true},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}, false, false},
		{"read error", io.ErrUnexpectedEOF, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			assert.Equal(t, tt.superseded, errors.Is(err, ErrSuperseded))
			assert.Equal(t, tt.serverClosed, errors.Is(err, ErrServerClosed))
			if !tt.superseded && !tt.serverClosed {
				assert.Equal(t, tt.err, err)
			}
		})
	}
}
