package handler

import (
	"encoding/json"
	"net/http"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
	"github.com/anthropics/AIClient-2-API/internal/store"
)

// GroupsHandler serves /v2/groups and /v2/groups/{id}.
type GroupsHandler struct{ store *store.GroupStore }

// NewGroupsHandler creates a GroupsHandler over store.
func NewGroupsHandler(s *store.GroupStore) *GroupsHandler { return &GroupsHandler{store: s} }

type groupDTO struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name" validate:"required"`
	APIKey      string `json:"apiKey"`
	Color       string `json:"color"`
	Order       int    `json:"order"`
	Description string `json:"description"`
	Version     int64  `json:"version"`
}

func groupToDTO(g *store.Group) groupDTO {
	return groupDTO{ID: g.ID, Name: g.Name, APIKey: g.APIKey, Color: g.Color, Order: g.Order, Description: g.Description, Version: g.Version}
}

func (h *GroupsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v2/groups")
	switch {
	case r.Method == http.MethodPost && id == "":
		var dto groupDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		if err := validate.Struct(dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}
		g, err := h.store.Create(r.Context(), &store.Group{Name: dto.Name, APIKey: dto.APIKey, Color: dto.Color, Order: dto.Order, Description: dto.Description})
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusCreated, groupToDTO(g))
	case r.Method == http.MethodGet && id != "":
		g, err := h.store.Get(r.Context(), id)
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, groupToDTO(g))
	case r.Method == http.MethodPut && id != "":
		var dto groupDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		g, err := h.store.UpdateWithRetry(r.Context(), id, dto.Version, func(g *store.Group) {
			g.Name, g.APIKey, g.Color, g.Order, g.Description = dto.Name, dto.APIKey, dto.Color, dto.Order, dto.Description
		})
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, groupToDTO(g))
	case r.Method == http.MethodDelete && id != "":
		if err := h.store.Delete(r.Context(), id); err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeAPIError(w, apierr.New(apierr.KindValidation, "unsupported method or path"))
	}
}

// TagsHandler serves /v2/tags and /v2/tags/{id}.
type TagsHandler struct{ store *store.TagStore }

// NewTagsHandler creates a TagsHandler over store.
func NewTagsHandler(s *store.TagStore) *TagsHandler { return &TagsHandler{store: s} }

type tagDTO struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name" validate:"required"`
	Color   string `json:"color"`
	Version int64  `json:"version"`
}

func tagToDTO(t *store.Tag) tagDTO { return tagDTO{ID: t.ID, Name: t.Name, Color: t.Color, Version: t.Version} }

func (h *TagsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v2/tags")
	switch {
	case r.Method == http.MethodPost && id == "":
		var dto tagDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		if err := validate.Struct(dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}
		t, err := h.store.Create(r.Context(), &store.Tag{Name: dto.Name, Color: dto.Color})
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusCreated, tagToDTO(t))
	case r.Method == http.MethodPut && id != "":
		var dto tagDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		t, err := h.store.Update(r.Context(), id, dto.Version, func(t *store.Tag) {
			t.Name, t.Color = dto.Name, dto.Color
		})
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, tagToDTO(t))
	case r.Method == http.MethodDelete && id != "":
		if err := h.store.Delete(r.Context(), id); err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeAPIError(w, apierr.New(apierr.KindValidation, "unsupported method or path"))
	}
}

// SettingsHandler serves /v2/settings/{key}.
type SettingsHandler struct{ store *store.SettingStore }

// NewSettingsHandler creates a SettingsHandler over store.
func NewSettingsHandler(s *store.SettingStore) *SettingsHandler { return &SettingsHandler{store: s} }

type settingDTO struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ValueType string `json:"valueType" validate:"omitempty,oneof=string number boolean json"`
	Version   int64  `json:"version"`
}

func settingToDTO(s *store.Setting) settingDTO {
	return settingDTO{Key: s.Key, Value: s.Value, ValueType: string(s.ValueType), Version: s.Version}
}

func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := pathID(r.URL.Path, "/v2/settings")
	if key == "" {
		writeAPIError(w, apierr.New(apierr.KindValidation, "setting key is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s, err := h.store.Get(r.Context(), key)
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, settingToDTO(s))
	case http.MethodPut:
		var dto settingDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		if err := validate.Struct(dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}
		s, err := h.store.Upsert(r.Context(), key, dto.Version, func(s *store.Setting) {
			s.Key = key
			s.Value = dto.Value
			if dto.ValueType != "" {
				s.ValueType = store.SettingValueType(dto.ValueType)
			} else if s.ValueType == "" {
				s.ValueType = store.SettingString
			}
		})
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, settingToDTO(s))
	default:
		writeAPIError(w, apierr.New(apierr.KindValidation, "unsupported method"))
	}
}
