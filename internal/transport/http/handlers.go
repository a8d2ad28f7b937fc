package http

import (
	"net/http"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SessionUserKey is the cookie session key holding the logged-in user id.
const SessionUserKey = "userId"

// Presence is the read side of the presence registry used by the REST API.
type Presence interface {
	Online() []domain.UserID
	SessionCount() int
}

type SessionRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type SessionResponse struct {
	UserID domain.UserID `json:"userId"`
}

type OnlineResponse struct {
	UserIDs  []domain.UserID `json:"userIds"`
	Sessions int             `json:"sessions"`
}

type Handlers struct {
	Presence Presence
}

func NewHandlers(p Presence) *Handlers {
	return &Handlers{Presence: p}
}

func (h *Handlers) Status(c *gin.Context) {
	c.String(http.StatusOK, "Server is live")
}

func (h *Handlers) Online(c *gin.Context) {
	c.JSON(http.StatusOK, OnlineResponse{
		UserIDs:  h.Presence.Online(),
		Sessions: h.Presence.SessionCount(),
	})
}

// Login stores the user id in the cookie session so a later /ws handshake
// without a userId query still identifies.
func (h *Handlers) Login(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}
	uid, err := domain.ParseUserID(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(SessionUserKey, string(uid))
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "transport.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{UserID: uid})
}

func (h *Handlers) Logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "transport.http").Msg("clear session")
	}
	c.Status(http.StatusNoContent)
}
