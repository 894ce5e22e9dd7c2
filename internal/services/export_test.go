package services

import "time"

// SetRetryDelay shortens the conversion backoff in tests.
func (s *PDFService) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
}
