package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/keyed"
)

const keyPrefix = "ocpp:presence:"

// Record is what other services read to learn which gateway holds a charger.
type Record struct {
	ChargePointID string    `json:"chargePointId"`
	GatewayID     string    `json:"gatewayId"`
	LastSeen      time.Time `json:"lastSeen"`
}

// Store mirrors connectivity reports into redis keys with a TTL, so a gateway that dies
// without cleaning up stops claiming its chargers once the TTL lapses.
type Store struct {
	client    *redis.Client
	gatewayID string
	ttl       time.Duration
	timeout   time.Duration
	queue     *keyed.Queue
	logger    *zap.Logger
}

// NewStore builds a redis-backed presence store.
func NewStore(client *redis.Client, gatewayID string, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Store{
		client:    client,
		gatewayID: gatewayID,
		ttl:       ttl,
		timeout:   2 * time.Second,
		queue:     keyed.New(),
		logger:    logger,
	}
}

func (s *Store) key(identity string) string {
	return keyPrefix + identity
}

// ReportConnectivity implements registry.StatusReporter. Writes run in the background, in
// report order per identity.
func (s *Store) ReportConnectivity(identity string, connected bool, lastSeen time.Time) {
	s.queue.Go(identity, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		var err error
		if connected {
			err = s.MarkOnline(ctx, identity, lastSeen)
		} else {
			err = s.MarkOffline(ctx, identity)
		}
		if err != nil {
			s.logger.Warn("presence update failed",
				zap.String("charge_point_id", identity), zap.Bool("connected", connected), zap.Error(err))
		}
	})
}

// Wait blocks until every queued write has finished or ctx is done. Call it before closing
// the redis client.
func (s *Store) Wait(ctx context.Context) error {
	return s.queue.Wait(ctx)
}

// MarkOnline claims identity for this gateway and refreshes the TTL.
func (s *Store) MarkOnline(ctx context.Context, identity string, lastSeen time.Time) error {
	data, err := json.Marshal(Record{ChargePointID: identity, GatewayID: s.gatewayID, LastSeen: lastSeen.UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(identity), data, s.ttl).Err()
}

// releaseScript deletes the key only while it is still claimed by this gateway.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local ok, rec = pcall(cjson.decode, raw)
if ok and rec["gatewayId"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// MarkOffline releases identity unless another gateway has claimed it meanwhile.
func (s *Store) MarkOffline(ctx context.Context, identity string) error {
	return releaseScript.Run(ctx, s.client, []string{s.key(identity)}, s.gatewayID).Err()
}
