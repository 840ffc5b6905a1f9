package push

import (
	"context"
	"fmt"
	"os"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/persist"
)

// VAPIDKeys: пара ключей, которой relay подписывает Web Push.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadVAPIDKeys возвращает ключи relay. Порядок: VAPID_PUBLIC_KEY/VAPID_PRIVATE_KEY из env,
// затем пара из хранилища, иначе новая пара (сохраняется в layer).
// Смена ключей делает недействительными все сохранённые подписки браузеров.
func LoadVAPIDKeys(ctx context.Context, layer *persist.Layer) (*VAPIDKeys, error) {
	pub := strings.TrimSpace(os.Getenv("VAPID_PUBLIC_KEY"))
	priv := strings.TrimSpace(os.Getenv("VAPID_PRIVATE_KEY"))
	if pub != "" && priv != "" {
		return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
	}

	var stored VAPIDKeys
	if layer.Load(ctx, &stored) && stored.PublicKey != "" && stored.PrivateKey != "" {
		return &stored, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push: generate VAPID keys: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	layer.Save(ctx, keys)
	logger.Infof("push: сгенерированы новые VAPID-ключи (%s)", layer.Key())
	return keys, nil
}
