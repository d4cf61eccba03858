// Package clientip resolves the address of the client behind an
// *http.Request.
//
// Proxy headers are only honored when the Resolver is told to trust them,
// since any client can set them. Without trusted headers the TCP peer
// address is used:
//
//	res := clientip.New("CF-Connecting-IP", "X-Forwarded-For")
//	r.Use(res.Middleware)
//
//	ip := clientip.FromContext(req.Context())
//
// Headers are checked in the order given. For X-Forwarded-For the first
// valid entry of the comma-separated list wins.
package clientip
