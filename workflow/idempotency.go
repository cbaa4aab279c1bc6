package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryTTL is how long a handled Pub/Sub message id is remembered.
const DeliveryTTL = time.Hour

// ClaimDelivery records messageId for handlerName. It returns false when the message was
// already claimed, i.e. Pub/Sub redelivered it and the caller should ack without work.
// Without redis or a message id every delivery is claimed.
func ClaimDelivery(ctx context.Context, rdb *redis.Client, handlerName, messageId string) (bool, error) {
	if rdb == nil || messageId == "" {
		return true, nil
	}
	key := fmt.Sprintf("idem:%s:%s", handlerName, messageId)
	ok, err := rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), DeliveryTTL).Result()
	if err != nil {
		// fail open: a duplicate run only rewrites the same audit entries
		return true, err
	}
	return ok, nil
}
