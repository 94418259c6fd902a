package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/contracts"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

const snapshotFrame = "snapshot"

// handleStream pushes every session snapshot to the client until either
// side goes away. A slow client only ever sees the newest snapshot.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	log := a.logger.WithContext(r.Context())
	correlationID := logging.GetCorrelationID(r.Context())
	log.Debug("snapshot stream opened")

	updates := make(chan domain.Snapshot, 1)
	unsubscribe := a.deps.Session.Subscribe(func(s domain.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})

	closed := make(chan struct{})
	a.panics.Go("snapshot_stream_reader", func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		unsubscribe()
		_ = conn.Close()
		log.Debug("snapshot stream closed")
	}()

	for {
		select {
		case <-closed:
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(contracts.NewWSMessage(snapshotFrame, correlationID, snap)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
