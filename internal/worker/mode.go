// Package worker defines the process role and which scoring endpoints each
// role owns.
//
// A process runs as exactly one Mode for its whole lifetime:
//
//	api       public gateway + identity endpoints, proxies scoring to workers
//	realtime  internal single-user scorer
//	batch     internal full-population scorer
package worker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Mode is the role a process plays.
type Mode string

const (
	ModeAPI      Mode = "api"
	ModeRealtime Mode = "realtime"
	ModeBatch    Mode = "batch"
)

// ErrUnknownMode is returned by ParseMode for values outside the three roles.
var ErrUnknownMode = errors.New("unknown worker mode")

// ParseMode parses a WORKER_MODE value. Matching ignores case and surrounding
// whitespace; anything else is ErrUnknownMode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAPI, ModeRealtime, ModeBatch:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (want api, realtime or batch)", ErrUnknownMode, s)
	}
}

// Internal reports whether the mode is one of the scoring workers.
func (m Mode) Internal() bool {
	return m == ModeRealtime || m == ModeBatch
}

func (m Mode) String() string { return string(m) }

// Endpoint names a scoring operation exposed on the internal surface.
type Endpoint string

const (
	EndpointPredictUser  Endpoint = "predict_user"
	EndpointPredictBatch Endpoint = "predict_batch"
	EndpointHealth       Endpoint = "health"
)

// Owns reports whether mode m is allowed to execute endpoint e.
func (m Mode) Owns(e Endpoint) bool {
	switch e {
	case EndpointPredictUser:
		return m == ModeRealtime
	case EndpointPredictBatch:
		return m == ModeBatch
	case EndpointHealth:
		return m.Internal()
	default:
		return false
	}
}

// RoleViolation is returned when an endpoint is invoked on a process whose
// mode does not own it.
type RoleViolation struct {
	Mode     Mode
	Endpoint Endpoint
}

func (e *RoleViolation) Error() string {
	switch e.Endpoint {
	case EndpointPredictBatch:
		return fmt.Sprintf("batch scoring is disabled on %s workers", e.Mode)
	case EndpointPredictUser:
		return fmt.Sprintf("realtime scoring is disabled on %s workers", e.Mode)
	default:
		return fmt.Sprintf("endpoint %s is disabled on %s workers", e.Endpoint, e.Mode)
	}
}

// Check returns a *RoleViolation if m does not own e.
func Check(m Mode, e Endpoint) error {
	if m.Owns(e) {
		return nil
	}
	return &RoleViolation{Mode: m, Endpoint: e}
}

// Guard rejects requests for endpoints the mode does not own with 403.
// Handlers behind it never need to look at the mode.
func Guard(m Mode, e Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Check(m, e); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":       "role_violation",
				"message":     err.Error(),
				"worker_mode": string(m),
			})
			return
		}
		c.Next()
	}
}
