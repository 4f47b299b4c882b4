// Package middleware provides HTTP middleware for the event gateway.
// This file implements baseline security response headers.
//
// The gateway serves no HTML or inline script, so the teacher's
// nonce/CSP-for-templates machinery does not apply here; only the
// headers relevant to a JSON + WebSocket API are kept.
package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders adds baseline hardening headers to every HTTP response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")

		if c.Request.URL.Path != "/health" {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		}

		c.Next()
	}
}
