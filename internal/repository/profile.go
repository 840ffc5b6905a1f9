package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
)

var ErrInvalidContact = errors.New("name, email and message required")

// ProfileRepository: профиль, проекты и входящие сообщения формы контактов.
type ProfileRepository struct {
	mu       sync.RWMutex
	profile  model.Profile
	projects []model.Project
	nextID   int64
	contacts []model.ContactMessage
}

func NewProfileRepository(seed model.Profile) *ProfileRepository {
	if seed.ID == 0 {
		seed.ID = 1
	}
	return &ProfileRepository{profile: seed, nextID: 1}
}

func (r *ProfileRepository) Profile(ctx context.Context) model.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile
}

func (r *ProfileRepository) UpdateProfile(ctx context.Context, p model.Profile) model.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.profile.ID
	r.profile = p
	return p
}

func (r *ProfileRepository) Projects(ctx context.Context) []model.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Project, len(r.projects))
	copy(out, r.projects)
	return out
}

func (r *ProfileRepository) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	defer logger.DeferLogDuration("profile.CreateProject", time.Now())()
	if strings.TrimSpace(p.Title) == "" {
		return model.Project{}, errors.New("title required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.nextID
	r.nextID++
	r.projects = append(r.projects, p)
	return p, nil
}

func (r *ProfileRepository) DeleteProject(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.projects {
		if p.ID == id {
			r.projects = append(r.projects[:i], r.projects[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (r *ProfileRepository) AddContact(ctx context.Context, c model.ContactMessage) error {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.Message) == "" {
		return ErrInvalidContact
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, c)
	return nil
}

// Contacts: копия полученных сообщений формы.
func (r *ProfileRepository) Contacts(ctx context.Context) []model.ContactMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ContactMessage, len(r.contacts))
	copy(out, r.contacts)
	return out
}
