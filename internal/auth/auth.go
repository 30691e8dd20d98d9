// Package auth checks demo credentials. It is a mock login, not a security
// boundary: passwords are compared in plaintext against a fixed table.
package auth

import (
	"errors"

	"github.com/lalithlochan/tbx/internal/catalog"
)

// ErrInvalidCredentials is returned for any unknown user or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUnknownUser is returned by Lookup when no account has the username.
var ErrUnknownUser = errors.New("unknown user")

// Admin is the single administrator account.
type Admin struct {
	Username string
	Password string
}

// Directory holds the user table and the admin pair.
type Directory struct {
	users []catalog.User
	admin Admin
}

// NewDirectory builds a directory from users and admin.
func NewDirectory(users []catalog.User, admin Admin) *Directory {
	cp := make([]catalog.User, len(users))
	copy(cp, users)
	return &Directory{users: cp, admin: admin}
}

// DefaultAdmin returns the demo administrator.
func DefaultAdmin() Admin {
	return Admin{Username: "TBAdmin", Password: "password123"}
}

// Demo returns the directory with the demo accounts.
func Demo() *Directory {
	return NewDirectory(catalog.DemoUsers(), DefaultAdmin())
}

// Authenticate returns the user matching username and password.
func (d *Directory) Authenticate(username, password string) (catalog.User, error) {
	for _, u := range d.users {
		if u.Username == username && u.Password == password {
			return cloneUser(u), nil
		}
	}
	return catalog.User{}, ErrInvalidCredentials
}

// AuthenticateAdmin checks the admin pair.
func (d *Directory) AuthenticateAdmin(username, password string) error {
	if d.admin.Username == "" || username != d.admin.Username || password != d.admin.Password {
		return ErrInvalidCredentials
	}
	return nil
}

// Lookup returns the user with the given username.
func (d *Directory) Lookup(username string) (catalog.User, error) {
	for _, u := range d.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return catalog.User{}, ErrUnknownUser
}

func cloneUser(u catalog.User) catalog.User {
	if u.Patients != nil {
		u.Patients = append([]string(nil), u.Patients...)
	}
	return u
}
