package transport

import "time"

// runHeartbeat pings conn every interval until it closes. Pongs refresh the
// session's activity in the pong handler. With MaxMissedPongs > 0 the connection
// is closed after that many consecutive unanswered pings; otherwise liveness
// is advisory and death is left to the socket's own close.
func (s *Server) runHeartbeat(conn *Connection) {
	interval := s.opts.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if !conn.IsOpen() {
				return
			}
			if limit := s.opts.MaxMissedPongs; limit > 0 {
				if missed := conn.unansweredPings(); missed >= limit {
					s.logger.Warnf("Session %s missed %d pongs, closing connection", conn.SessionID(), missed)
					_ = conn.Close()
					return
				}
			}
			if err := conn.ping(); err != nil {
				s.logger.Debugf("Ping to session %s failed: %v", conn.SessionID(), err)
				return
			}
		}
	}
}
