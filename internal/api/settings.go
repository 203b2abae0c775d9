package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleListSettings(c *gin.Context) {
	list, err := s.Settings.List(c.Request.Context())
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	out := make(map[string]string, len(list))
	for _, st := range list {
		out[st.Key] = st.Value
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSetting(c *gin.Context) {
	st, err := s.Settings.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type putSettingRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) handlePutSetting(c *gin.Context) {
	var req putSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	key := c.Param("key")
	st, err := s.Settings.Set(c.Request.Context(), key, req.Value)
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	log.Info().Str("action", "setting").Str("key", key).Str("value", req.Value).Msg("setting updated")
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	updates := make(map[string]string, len(body))
	for k, v := range body {
		updates[k] = settingValue(v)
	}
	if err := s.Settings.Update(c.Request.Context(), updates); err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	log.Info().Str("action", "settings").Int("count", len(updates)).Msg("settings updated")
	s.handleListSettings(c)
}

// settingValue accepts JSON strings, numbers and booleans.
func settingValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
