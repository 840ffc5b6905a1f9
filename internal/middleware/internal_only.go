package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// InternalOnly закрывает /metrics снаружи: пропускает loopback и приватные сети
// либо запрос с X-Internal-Secret, совпадающим с secret (пустой secret: только по IP).
// Адрес клиента берётся из RemoteAddr; за прокси его подставляет chi RealIP.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateAddr(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func isPrivateAddr(addr string) bool {
	ip := net.ParseIP(clientHost(addr))
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
