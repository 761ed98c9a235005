package serverdb

import (
	"fmt"
	"strings"
)

// SetUserAdmin grants or revokes admin privileges for the user with the
// given email.
func (db *ServerDB) SetUserAdmin(email string, isAdmin bool) error {
	email = strings.ToLower(strings.TrimSpace(email))
	res, err := db.conn.Exec(`UPDATE users SET is_admin = ? WHERE LOWER(email) = ?`, isAdmin, email)
	if err != nil {
		return fmt.Errorf("set user admin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user not found: %s", email)
	}
	return nil
}

// IsUserAdmin reports whether the user with the given ID holds admin
// privileges.
func (db *ServerDB) IsUserAdmin(userID string) (bool, error) {
	var isAdmin bool
	err := db.conn.QueryRow(`SELECT is_admin FROM users WHERE id = ?`, userID).Scan(&isAdmin)
	if err != nil {
		return false, fmt.Errorf("is user admin: %w", err)
	}
	return isAdmin, nil
}

// CountAdmins returns the number of users currently holding admin
// privileges. Used to guard against revoking the last admin.
func (db *ServerDB) CountAdmins() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM users WHERE is_admin = 1`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}
