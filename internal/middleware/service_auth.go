package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const serviceIDKey = "service_id"

// ServiceAuthMiddleware authenticates trusted services (KYC provider, metric
// sources) by X-Service-ID and X-API-Key against bcrypt hashes.
func ServiceAuthMiddleware(keyHashes map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID := c.GetHeader("X-Service-ID")
		apiKey := c.GetHeader("X-API-Key")

		if serviceID == "" || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		hash, ok := keyHashes[serviceID]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(serviceIDKey, serviceID)
		c.Next()
	}
}

// GetServiceID returns the authenticated service name.
func GetServiceID(c *gin.Context) string {
	return c.GetString(serviceIDKey)
}

// HashAPIKey produces the bcrypt hash stored in the service_keys table.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
