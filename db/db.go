package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"msgd/auth"
	"msgd/models"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows     = errors.New("no rows found")
	ErrUserExists = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password_hash BLOB NOT NULL,
			last_login TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_users (
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			time TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contact_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			UNIQUE(user_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_stats (
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			sent INTEGER NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_user ON login_history(user_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	if err := db.migrate(); err != nil {
		return err
	}

	// Nobody is online right after a restart
	if _, err := db.conn.Exec("DELETE FROM active_users"); err != nil {
		return err
	}

	return nil
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	if !db.columnExists("users", "public_key") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN public_key TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func (db *DB) userID(login string) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM users WHERE login = ?", login).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNoRows
	}
	return id, err
}

// User methods
func (db *DB) CreateUser(login, password string) error {
	if login == "" || password == "" {
		return fmt.Errorf("create user: login and password required")
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(
		"INSERT INTO users (login, password_hash, last_login) VALUES (?, ?, ?)",
		login, auth.HashPassword(login, password), now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrUserExists
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO message_stats (user_id) VALUES (?)", id); err != nil {
		return err
	}

	return tx.Commit()
}

// RemoveUser deletes the account together with its contacts, history and stats.
func (db *DB) RemoveUser(login string) error {
	result, err := db.conn.Exec("DELETE FROM users WHERE login = ?", login)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) CheckUser(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetHash returns the stored secret the handshake uses as HMAC key.
func (db *DB) GetHash(login string) ([]byte, error) {
	var hash []byte
	err := db.conn.QueryRow("SELECT password_hash FROM users WHERE login = ?", login).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return hash, err
}

func (db *DB) GetPublicKey(login string) (string, error) {
	var key string
	err := db.conn.QueryRow("SELECT public_key FROM users WHERE login = ?", login).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	return key, err
}

// UserLogin records a successful login: last login time, public key, the
// online row and a history entry.
func (db *DB) UserLogin(login, ip string, port int, publicKey string) error {
	id, err := db.userID(login)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if publicKey != "" {
		_, err = tx.Exec("UPDATE users SET last_login = ?, public_key = ? WHERE id = ?", now, publicKey, id)
	} else {
		_, err = tx.Exec("UPDATE users SET last_login = ? WHERE id = ?", now, id)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO active_users (user_id, ip, port, login_time) VALUES (?, ?, ?, ?)",
		id, ip, port, now,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO login_history (user_id, time, ip, port) VALUES (?, ?, ?, ?)",
		id, now, ip, port,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) UserLogout(login string) error {
	_, err := db.conn.Exec(
		"DELETE FROM active_users WHERE user_id = (SELECT id FROM users WHERE login = ?)",
		login,
	)
	return err
}

// GetUsers returns every known login, sorted.
func (db *DB) GetUsers() ([]string, error) {
	rows, err := db.conn.Query("SELECT login FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.conn.Query("SELECT id, login, last_login, public_key FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastLogin string
		if err := rows.Scan(&u.ID, &u.Login, &lastLogin, &u.PublicKey); err != nil {
			return nil, err
		}
		u.LastLogin, _ = time.Parse(time.RFC3339, lastLogin)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *DB) ActiveUsers() ([]models.ActiveUser, error) {
	rows, err := db.conn.Query(`
		SELECT u.login, a.ip, a.port, a.login_time
		FROM active_users a JOIN users u ON u.id = a.user_id
		ORDER BY u.login
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []models.ActiveUser
	for rows.Next() {
		var a models.ActiveUser
		var loginTime string
		if err := rows.Scan(&a.Login, &a.IP, &a.Port, &loginTime); err != nil {
			return nil, err
		}
		a.LoginTime, _ = time.Parse(time.RFC3339, loginTime)
		active = append(active, a)
	}
	return active, rows.Err()
}

// LoginHistory returns login records for one user, or for everyone when
// login is empty.
func (db *DB) LoginHistory(login string) ([]models.LoginRecord, error) {
	query := `
		SELECT u.login, h.time, h.ip, h.port
		FROM login_history h JOIN users u ON u.id = h.user_id
	`
	var args []interface{}
	if login != "" {
		query += " WHERE u.login = ?"
		args = append(args, login)
	}
	query += " ORDER BY h.id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.LoginRecord
	for rows.Next() {
		var r models.LoginRecord
		var ts string
		if err := rows.Scan(&r.Login, &ts, &r.IP, &r.Port); err != nil {
			return nil, err
		}
		r.Time, _ = time.Parse(time.RFC3339, ts)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Contact methods
func (db *DB) GetContacts(login string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT c.login
		FROM contacts x
		JOIN users o ON o.id = x.user_id
		JOIN users c ON c.id = x.contact_id
		WHERE o.login = ?
		ORDER BY c.login
	`, login)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// AddContact links contact to owner. Adding an existing contact is a no-op;
// an unknown owner or contact yields ErrNoRows.
func (db *DB) AddContact(owner, contact string) error {
	ownerID, err := db.userID(owner)
	if err != nil {
		return err
	}
	contactID, err := db.userID(contact)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT OR IGNORE INTO contacts (user_id, contact_id) VALUES (?, ?)",
		ownerID, contactID,
	)
	return err
}

// RemoveContact unlinks contact from owner; removing an absent contact is a no-op.
func (db *DB) RemoveContact(owner, contact string) error {
	_, err := db.conn.Exec(`
		DELETE FROM contacts
		WHERE user_id = (SELECT id FROM users WHERE login = ?)
		AND contact_id = (SELECT id FROM users WHERE login = ?)
	`, owner, contact)
	return err
}

// Message methods

// ProcessMessage counts one message from sender to recipient.
func (db *DB) ProcessMessage(sender, recipient string) error {
	senderID, err := db.userID(sender)
	if err != nil {
		return err
	}
	recipientID, err := db.userID(recipient)
	if err != nil {
		return err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE message_stats SET sent = sent + 1 WHERE user_id = ?", senderID); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE message_stats SET accepted = accepted + 1 WHERE user_id = ?", recipientID); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) MessageStats() ([]models.MessageStats, error) {
	rows, err := db.conn.Query(`
		SELECT u.login, u.last_login, s.sent, s.accepted
		FROM users u JOIN message_stats s ON s.user_id = u.id
		ORDER BY u.login
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.MessageStats
	for rows.Next() {
		var s models.MessageStats
		var lastLogin string
		if err := rows.Scan(&s.Login, &lastLogin, &s.Sent, &s.Accepted); err != nil {
			return nil, err
		}
		s.LastLogin, _ = time.Parse(time.RFC3339, lastLogin)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
