package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// PriceKeyPrefix prefixes the redis key holding an instrument's last price.
const PriceKeyPrefix = "price:"

// PriceWriter is the part of a redis client the publisher needs.
type PriceWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// PricePublisher mirrors each instrument's last trade price into redis
// as SET price:<instrument> <decimal>. PublishPrice never blocks the
// engine: prices are coalesced in memory and written by Run, so under
// load only the newest price per instrument is sent.
type PricePublisher struct {
	client PriceWriter
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]int64
	wake    chan struct{}
}

// NewPricePublisher creates a PricePublisher writing through client.
func NewPricePublisher(client PriceWriter, logger *zap.Logger) *PricePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PricePublisher{
		client:  client,
		logger:  logger,
		pending: make(map[string]int64),
		wake:    make(chan struct{}, 1),
	}
}

// PublishPrice records price as the instrument's latest.
func (p *PricePublisher) PublishPrice(instrumentID string, price int64) {
	p.mu.Lock()
	p.pending[instrumentID] = price
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes pending prices until ctx is done.
func (p *PricePublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.Flush(ctx)
		}
	}
}

// Flush writes everything pending and returns how many keys were set.
// A failed write is put back unless a newer price arrived meanwhile.
func (p *PricePublisher) Flush(ctx context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]int64, len(batch))
	p.mu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	written := 0
	for _, id := range ids {
		price := batch[id]
		err := p.client.Set(ctx, PriceKeyPrefix+id, domain.FromTicks(price).String(), 0).Err()
		if err != nil {
			p.logger.Warn("price publish failed", zap.String("instrument", id), zap.Error(err))
			p.mu.Lock()
			if _, newer := p.pending[id]; !newer {
				p.pending[id] = price
			}
			p.mu.Unlock()
			continue
		}
		written++
	}
	return written
}
