package middleware

import "context"

type contextKey string

const AdminKey contextKey = "admin_user"

// GetAdmin возвращает имя администратора из контекста (устанавливается BasicAuth).
func GetAdmin(ctx context.Context) string {
	v, _ := ctx.Value(AdminKey).(string)
	return v
}
