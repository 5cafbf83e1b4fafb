package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// DashboardKey holds the cached dashboard payload of one product.
func DashboardKey(productID uuid.UUID) string {
	return fmt.Sprintf("dashboard:product:%s", productID)
}

// JobEventsChannel is the pub/sub channel carrying status changes of one job.
func JobEventsChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("job:events:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
