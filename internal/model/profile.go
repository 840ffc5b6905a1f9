package model

// Profile: публичная карточка владельца портфолио.
type Profile struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Bio   string `json:"bio"`
}

// Project: элемент списка проектов; TechStack хранится строкой через запятую.
type Project struct {
	ID          int64  `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TechStack   string `json:"techStack"`
	GithubURL   string `json:"githubUrl,omitempty"`
	LiveURL     string `json:"liveUrl,omitempty"`
}

// ContactMessage: форма обратной связи со страницы контактов.
type ContactMessage struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}
