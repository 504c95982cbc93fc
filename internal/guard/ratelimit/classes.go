package ratelimit

import "strings"

// classRule maps a path prefix to an endpoint class. Order matters: the
// first matching prefix wins.
type classRule struct {
	prefix string
	class  string
}

var classTable = []classRule{
	{"/api/auth", "auth"},
	{"/api/payment", "payment"},
	{"/api/admin", "admin"},
	{"/api/products", "products"},
	{"/api/orders", "orders"},
	{"/api/appointments", "appointments"},
	{"/api/courses", "courses"},
	{"/api/cart", "cart"},
}

// ClassifyPath returns the endpoint class for a request path. Unmatched
// paths fall into "general".
func ClassifyPath(path string) string {
	for _, rule := range classTable {
		if strings.HasPrefix(path, rule.prefix) {
			return rule.class
		}
	}
	return "general"
}

// ExemptPath reports whether a path is exempt from rate limiting entirely.
func ExemptPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/api/docs")
}
