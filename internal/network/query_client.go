package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/protocol"
)

var (
	ErrTimeout          = errors.New("network: query timed out")
	ErrUnexpectedPacket = errors.New("network: unexpected packet")
	ErrCompressedPacket = errors.New("network: compressed split replies are not supported")
)

// maxChallengeRounds bounds how many challenges a server may issue before giving up.
const maxChallengeRounds = 3

// QueryClient fetches A2S_RULES replies over UDP.
//
// A query sends a rules request with NoChallenge, answers at most a few
// S2C_CHALLENGE replies, reassembles split replies and decodes the result.
// Timed out attempts are retried; every other failure is returned at once.
type QueryClient struct {
	timeout time.Duration
	retries int
	decoder *protocol.RulesDecoder
	logger  zerolog.Logger
}

// NewQueryClient creates a client using the query section of cfg.
func NewQueryClient(cfg *config.Config) *QueryClient {
	q := cfg.GetQuery()
	return &QueryClient{
		timeout: q.Timeout(),
		retries: q.Retries,
		decoder: protocol.NewRulesDecoder(),
		logger:  log.With().Str("component", "query_client").Logger(),
	}
}

// QueryRules fetches and decodes the rules of the server at addr.
func (c *QueryClient) QueryRules(ctx context.Context, addr string) (*protocol.RulesReply, error) {
	target, err := NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		reply, err := c.queryOnce(ctx, target)
		if err == nil {
			c.logger.Debug().
				Str("address", target).
				Int("attempt", attempt+1).
				Dur("latency", time.Since(start)).
				Msg("rules query succeeded")
			return reply, nil
		}

		lastErr = err
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		c.logger.Debug().
			Str("address", target).
			Int("attempt", attempt+1).
			Msg("rules query timed out")
	}

	c.logger.Warn().
		Str("address", target).
		Int("attempts", c.retries+1).
		Msg("rules query gave up")
	return nil, lastErr
}

func (c *QueryClient) queryOnce(ctx context.Context, addr string) (*protocol.RulesReply, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Unblock the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, protocol.MaxPacketSize)
	challenge := protocol.NoChallenge
	for round := 0; round < maxChallengeRounds; round++ {
		if _, err := conn.Write(protocol.BuildRulesRequest(challenge)); err != nil {
			return nil, ioError(ctx, err)
		}

		payload, err := readPayload(conn, buf)
		if err != nil {
			return nil, ioError(ctx, err)
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrUnexpectedPacket)
		}

		switch header := protocol.QueryHeader(payload[0]); header {
		case protocol.A2SChallengeReply:
			challenge, err = protocol.ParseChallenge(payload)
			if err != nil {
				return nil, err
			}
			c.logger.Trace().
				Str("address", addr).
				Uint32("challenge", challenge).
				Msg("received challenge")
		case protocol.A2SRulesReply:
			return c.decoder.Decode(payload)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedPacket, header)
		}
	}

	return nil, fmt.Errorf("%w: server issued %d challenges", ErrUnexpectedPacket, maxChallengeRounds)
}

// readPayload reads one reply, reassembling split datagrams, and returns it
// without its transport envelope.
func readPayload(conn net.Conn, buf []byte) ([]byte, error) {
	var asm *splitAssembler
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < 4 {
			return nil, fmt.Errorf("%w: %d byte datagram", ErrUnexpectedPacket, n)
		}

		datagram := buf[:n]
		switch prefix := binary.LittleEndian.Uint32(datagram); prefix {
		case protocol.SinglePacketPrefix:
			return append([]byte(nil), datagram[4:]...), nil

		case protocol.SplitPacketPrefix:
			part, err := parseSplitPart(datagram[4:])
			if err != nil {
				return nil, err
			}
			if asm == nil {
				asm = newSplitAssembler(part)
			}
			complete, err := asm.add(part)
			if err != nil {
				return nil, err
			}
			if complete {
				return asm.payload()
			}

		default:
			return nil, fmt.Errorf("%w: envelope 0x%08X", ErrUnexpectedPacket, prefix)
		}
	}
}

// ioError maps deadline expiry to ErrTimeout and caller cancellation to the context error.
func ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
