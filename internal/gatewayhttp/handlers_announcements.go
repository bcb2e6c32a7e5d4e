package gatewayhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voicecluster/controlplane/internal/registry"
)

type createAnnouncementRequest struct {
	Severity  registry.AnnouncementSeverity `json:"severity"`
	Title     string                        `json:"title"`
	Message   string                        `json:"message"`
	ExpiresIn *int                          `json:"expires_in_seconds,omitempty"`
}

// CreateAnnouncement handles POST /api/announcements.
func (s *Server) CreateAnnouncement(c *gin.Context) {
	var req createAnnouncementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidRequest(err.Error()))
		return
	}
	if req.Title == "" {
		writeError(c, invalidRequest("title is required"))
		return
	}

	a := registry.Announcement{
		ID:       uuid.NewString()[:8],
		Severity: req.Severity,
		Title:    req.Title,
		Message:  req.Message,
	}
	if req.ExpiresIn != nil {
		expiresAt := time.Now().Add(time.Duration(*req.ExpiresIn) * time.Second)
		a.ExpiresAt = &expiresAt
	}
	created := s.anns.Create(a)

	if s.hub != nil {
		s.hub.NotifyAnnouncement(created)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "announcement": created})
}

// ListAnnouncements handles GET /api/announcements.
func (s *Server) ListAnnouncements(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"announcements": s.anns.List()})
}

// DeleteAnnouncement handles DELETE /api/announcements/{id}.
func (s *Server) DeleteAnnouncement(c *gin.Context) {
	ok := s.anns.Delete(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"success": ok})
}
