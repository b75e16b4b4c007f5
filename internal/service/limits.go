package service

// canned503 is written into a port-forward channel when the services
// limiter is exhausted, so an HTTP client on the other end gets a clean
// response instead of a connection that silently never opens.
var canned503 = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n" +
	"\r\n")
