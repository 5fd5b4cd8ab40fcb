package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
)

// contextRequest is the create/update payload for a stored context.
type contextRequest struct {
	Name       string               `json:"name"`
	Path       string               `json:"path"`
	Machine    models.MachineConfig `json:"machine"`
	Tags       []string             `json:"tags,omitempty"`
	PreCommand string               `json:"pre_command,omitempty"`
}

func (s *Server) createContext(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	record, err := models.NewContext(req.Name, req.Path, req.Machine)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	record.Tags = req.Tags
	record.PreCommand = req.PreCommand

	if err := s.store.CreateContext(c.Request.Context(), record); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			c.JSON(http.StatusConflict, gin.H{"error": "context name already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) listContexts(c *gin.Context) {
	contexts, err := s.store.ListContexts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"contexts": contexts})
}

func (s *Server) getContext(c *gin.Context) {
	record, ok := s.resolveContext(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) updateContext(c *gin.Context) {
	record, ok := s.resolveContext(c)
	if !ok {
		return
	}

	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if req.Name != "" {
		record.Name = req.Name
	}
	if req.Path != "" {
		record.Path = req.Path
	}
	if req.Machine.Type != "" {
		record.Machine = req.Machine
	}
	if req.Tags != nil {
		record.Tags = req.Tags
	}
	record.PreCommand = req.PreCommand

	if err := record.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}
	if err := s.store.UpdateContext(c.Request.Context(), record); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			c.JSON(http.StatusConflict, gin.H{"error": "context name already in use"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, record)
}

// deleteContext removes a stored context. Agents launched under it keep
// their denormalized context fields, so history survives the delete; a
// running agent under the context blocks it unless force=true.
func (s *Server) deleteContext(c *gin.Context) {
	record, ok := s.resolveContext(c)
	if !ok {
		return
	}

	if c.Query("force") != "true" {
		running, err := s.store.ListAgents(c.Request.Context(), store.AgentFilter{
			Statuses:  []models.AgentStatus{models.StatusPending, models.StatusStarting, models.StatusRunning, models.StatusRetrying},
			ContextID: record.ID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		if len(running) > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "context has running agents; stop them or pass force=true"})
			return
		}
	}

	if err := s.store.DeleteContext(c.Request.Context(), record.ID); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// resolveContext loads the :id path parameter as an id, falling back to a
// name lookup so both forms work in URLs.
func (s *Server) resolveContext(c *gin.Context) (*models.Context, bool) {
	idOrName := c.Param("id")
	record, err := s.store.GetContext(c.Request.Context(), idOrName)
	if err == nil {
		return record, true
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return nil, false
	}
	record, err = s.store.GetContextByName(c.Request.Context(), idOrName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
		} else {
			c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return nil, false
	}
	return record, true
}
