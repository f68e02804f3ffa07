package queue

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	normalQueueKey   = "observatory:queue:normal"
	priorityQueueKey = "observatory:queue:priority"
)

func batchKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:batch:%s", id)
}

func cancelFlagKey(id uuid.UUID) string {
	return fmt.Sprintf("observatory:batch:%s:cancelled", id)
}
