package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/headline-goat/splitgoat/internal/store"
)

// maxImportBytes caps import bundles.
const maxImportBytes = 32 << 20

func (s *Server) handleListTests(c *gin.Context) {
	tests, err := s.registry.ListTests(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if tests == nil {
		tests = []*store.Test{}
	}
	c.JSON(http.StatusOK, tests)
}

func (s *Server) handleCreateTest(c *gin.Context) {
	var t store.Test
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	created, err := s.registry.CreateTest(c.Request.Context(), &t)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTest(c *gin.Context) {
	t, err := s.registry.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTest(c *gin.Context) {
	var t store.Test
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	t.ID = c.Param("id")
	updated, err := s.registry.UpdateTest(c.Request.Context(), &t)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteTest(c *gin.Context) {
	if err := s.registry.DeleteTest(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, id string) (*store.Test, error)

func (s *Server) handleTransition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type cloneRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCloneTest(c *gin.Context) {
	var req cloneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
			return
		}
	}
	clone, err := s.registry.CloneTest(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, clone)
}

func (s *Server) handleResults(c *gin.Context) {
	results, ok := s.registry.GetTestResults(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "test not found"})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleExport(c *gin.Context) {
	id := c.Param("id")
	bundle, err := s.registry.ExportTest(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.json"`, id))
	c.Data(http.StatusOK, "application/json", bundle)
}

func (s *Server) handleImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	t, err := s.registry.ImportTest(c.Request.Context(), data)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}
