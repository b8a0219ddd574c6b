package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type itemInput struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

func decodeItem(w http.ResponseWriter, r *http.Request) (itemInput, bool) {
	var in itemInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return in, false
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Item name is required")
		return in, false
	}
	return in, true
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid item id")
		return 0, false
	}
	return id, true
}

func (a *App) HandleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.DB.ListItems()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list items")
		return
	}
	if items == nil {
		items = []*Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *App) HandleCreateItem(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeItem(w, r)
	if !ok {
		return
	}
	item, err := a.DB.CreateItem(in.Name, in.Quantity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create item")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (a *App) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := a.DB.GetItem(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get item")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *App) HandleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	in, ok := decodeItem(w, r)
	if !ok {
		return
	}
	item, err := a.DB.UpdateItem(id, in.Name, in.Quantity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update item")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *App) HandleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := a.DB.DeleteItem(id); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// fullUser is the admin view of a user record, token list included.
type fullUser struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Tokens   []string `json:"tokens"`
}

// HandleGetUser returns the full user record; admin role required.
func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	u, err := a.DB.GetUser(username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get user")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		return
	}
	writeJSON(w, http.StatusOK, fullUser{ID: u.ID, Username: u.Username, Role: u.Role, Tokens: u.Tokens})
}
