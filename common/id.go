package common

import (
	"github.com/gofrs/uuid"
	"k8s.io/klog/v2"
)

// NewID returns a fresh random identifier, suitable for msg_id, comm_id, or
// display_id values. Exits the process (klog.Fatalf) only on catastrophic
// randomness failure, which in practice never happens on any supported
// platform.
func NewID() string {
	id, err := uuid.NewV4()
	if err != nil {
		klog.Fatalf("common.NewID: failed to generate uuid: %+v", err)
	}
	return id.String()
}
