package http

import (
	"encoding/binary"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
)

// maxIngestMessage bounds one binary PCM message
const maxIngestMessage = 1 << 20

// ingestHandler accepts live audio: every binary message is little-endian
// float32 PCM, interleaved over ?channels=N channels
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	channels := 1
	if raw := r.URL.Query().Get("channels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > s.config.MaxIngestChannels {
			s.ErrorResponse(w, errors.NewInvalidInput("channels out of range", map[string]interface{}{
				"channels": raw,
				"max":      s.config.MaxIngestChannels,
			}))
			return
		}
		channels = n
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade ingest connection")
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"channels":    channels,
	})
	logger.Info("Audio ingest connected")

	conn.SetReadLimit(maxIngestMessage)

	var samples []float32
	var total int64
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("Audio ingest closed unexpectedly")
			}
			break
		}

		if messageType != websocket.BinaryMessage {
			logger.Debug("Ignoring non-binary ingest message")
			continue
		}

		if len(data)%4 != 0 {
			logger.WithField("bytes", len(data)).Warn("Ingest message is not a whole number of float32 samples")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "payload must be little-endian float32"),
				time.Now().Add(writeWait))
			break
		}

		samples = decodeFloat32LE(samples, data)
		s.engine.OnAudioFrame(samples, channels)
		total += int64(len(samples))
	}

	logger.WithField("samples", total).Info("Audio ingest disconnected")
}

// decodeFloat32LE decodes data into dst, growing it as needed
func decodeFloat32LE(dst []float32, data []byte) []float32 {
	n := len(data) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return dst
}
