package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/energizer-project/groupchat/internal/protocol"
)

// pendingRequest is a control request waiting for its acknowledgement.
type pendingRequest struct {
	msg      protocol.Message
	attempts int
	interval time.Duration
	next     time.Time
}

// track assigns the next sequence number to msg, sends it and keeps it for
// retransmission. Caller holds mu.
func (s *Session) track(msg protocol.Message) {
	s.seq++
	if s.seq == 0 {
		s.seq = 1
	}
	msg.Seq = s.seq

	s.pending[msg.Seq] = &pendingRequest{
		msg:      msg,
		attempts: 1,
		interval: s.cfg.RetryBase,
		next:     s.now().Add(s.cfg.RetryBase),
	}
	if err := s.transmit(msg); err != nil {
		s.logger.Warn().Err(err).Msg("send failed, will retry")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// settle removes the pending request an ack or reply refers to.
func (s *Session) settle(t protocol.MessageType, seq uint16) (protocol.Message, bool) {
	p, ok := s.pending[seq]
	if !ok || p.msg.Type != t {
		return protocol.Message{}, false
	}
	delete(s.pending, seq)
	return p.msg, true
}

// Run retransmits unacknowledged requests until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.RetryBase)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(s.Retransmit(s.now()))
	}
}

// Retransmit resends every request that is due at now and gives up on
// requests that ran out of attempts. Requests are visited oldest first and
// the pass stops when an expiry resets the session. It returns how long to
// wait before the next call.
func (s *Session) Retransmit(now time.Time) time.Duration {
	var out notices

	s.mu.Lock()
	wait := s.cfg.RetryMax
	seqs := make([]uint16, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		p := s.pending[seq]
		if now.Before(p.next) {
			wait = minDuration(wait, p.next.Sub(now))
			continue
		}
		if p.attempts >= s.cfg.RetryAttempts {
			delete(s.pending, seq)
			s.expire(p, &out)
			if s.state == StateDisconnected {
				break
			}
			continue
		}

		p.attempts++
		p.interval = minDuration(p.interval*2, s.cfg.RetryMax)
		p.next = now.Add(p.interval)
		wait = minDuration(wait, p.interval)

		s.logger.Debug().
			Stringer("type", p.msg.Type).
			Uint16("seq", p.msg.Seq).
			Int("attempt", p.attempts).
			Msg("retransmitting request")
		if err := s.transmit(p.msg); err != nil {
			s.logger.Warn().Err(err).Msg("retransmission failed")
		}
	}
	s.mu.Unlock()

	s.deliver(out)
	return wait
}

// expire reports a request that was never acknowledged. Caller holds mu.
func (s *Session) expire(p *pendingRequest, out *notices) {
	s.logger.Warn().
		Stringer("type", p.msg.Type).
		Uint16("seq", p.msg.Seq).
		Int("attempts", p.attempts).
		Msg("request not acknowledged")

	switch p.msg.Type {
	case protocol.ConnectionRequest:
		s.reset()
		s.lastError = protocol.ErrHandshakeTimeout
		out.status("connection failed: %v", protocol.ErrHandshakeTimeout)
	case protocol.DisconnectionRequest:
		s.reset()
		s.lastError = fmt.Errorf("%s: %w", p.msg.Type, protocol.ErrAckTimeout)
		out.status("disconnected without confirmation from the server")
	default:
		s.lastError = fmt.Errorf("%s: %w", p.msg.Type, protocol.ErrAckTimeout)
		out.status("%v", s.lastError)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
