package rbac

import (
	"net/http"

	"mentorcall/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireDevice enforces the device invariant: device_id must exist in context.
// This does not validate the device is still registered; that belongs to the
// session layer, which evicts stale devices on its own schedule.
func RequireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		did, err := auth.DeviceID(c.Request.Context())
		if err != nil || did == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - device binding is enforced via RequireDevice (use it in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		// admin bypasses all
		if IsAdmin(role) {
			c.Next()
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
