package http

import (
	"net/http"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"
	"meshchat/internal/core/services"
	"meshchat/pkg/utils"

	"github.com/gin-gonic/gin"
)

// ChatHandler is chatd's local HTTP surface: the piece a UI talks to. It
// only consumes core operations; all connection and persistence logic stays
// in the services.
type ChatHandler struct {
	manager  ports.ConnectionManager
	store    ports.MessageStore
	roster   *services.Roster
	presence *services.PresenceService
}

func NewChatHandler(manager ports.ConnectionManager, store ports.MessageStore, roster *services.Roster, presence *services.PresenceService) *ChatHandler {
	return &ChatHandler{
		manager:  manager,
		store:    store,
		roster:   roster,
		presence: presence,
	}
}

func (h *ChatHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/conversations/:peer", h.GetConversation)
		api.POST("/messages", h.SendMessage)
		api.GET("/profile", h.GetProfile)
		api.PUT("/profile", h.UpdateProfile)
	}
}

type peerView struct {
	Profile domain.Profile `json:"profile"`
	Unread  bool           `json:"unread"`
}

func (h *ChatHandler) ListPeers(c *gin.Context) {
	entries := h.roster.List()
	connected := make(map[domain.PeerID]bool)
	for _, id := range h.manager.ConnectedPeers() {
		connected[id] = true
	}

	peers := make([]peerView, 0, len(entries))
	for _, e := range entries {
		e.Profile.Online = connected[e.Profile.ID]
		peers = append(peers, peerView{Profile: e.Profile, Unread: e.Unread})
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// GetConversation returns the whole conversation with one peer and clears
// its unread flag.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	peer := domain.PeerID(c.Param("peer"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer id is required"})
		return
	}

	local := h.presence.Profile().ID
	msgs, err := h.store.GetConversation(c.Request.Context(), local, peer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.roster.MarkRead(peer)

	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req struct {
		ReceiverID domain.PeerID `json:"receiverId" binding:"required"`
		Content    string        `json:"content" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := domain.NewMessage(utils.GenerateMessageID(), h.presence.Profile(), req.ReceiverID, req.Content)
	h.manager.SendMessage(msg)

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *ChatHandler) GetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profile": h.presence.Profile()})
}

// UpdateProfile replaces display name and avatar; the change is broadcast
// to every connected peer.
func (h *ChatHandler) UpdateProfile(c *gin.Context) {
	var req struct {
		DisplayName string `json:"displayName" binding:"required"`
		AvatarRef   string `json:"avatarRef"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated := h.presence.UpdateProfile(domain.Profile{
		DisplayName: req.DisplayName,
		AvatarRef:   req.AvatarRef,
	})
	c.JSON(http.StatusOK, gin.H{"profile": updated})
}
