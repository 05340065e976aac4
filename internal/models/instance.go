// Copyright (c) 2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/curator/internal/crypto"
	"github.com/autobrr/curator/internal/dbinterface"
)

var ErrInstanceNotFound = errors.New("instance not found")

// Instance is a registered qBittorrent server the engines operate on.
type Instance struct {
	ID                int       `json:"id"`
	Name              string    `json:"name"`
	Host              string    `json:"host"`
	Username          string    `json:"username"`
	PasswordEncrypted string    `json:"-"`
	TLSSkipVerify     bool      `json:"tlsSkipVerify"`
	IsActive          bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type InstanceStore struct {
	db        dbinterface.Querier
	encryptor *crypto.AESEncryptor
}

func NewInstanceStore(db dbinterface.Querier, encryptionKey []byte) (*InstanceStore, error) {
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		return nil, err
	}

	return &InstanceStore{
		db:        db,
		encryptor: encryptor,
	}, nil
}

// validateAndNormalizeHost ensures the instance host is a usable http(s) URL.
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func (s *InstanceStore) Create(ctx context.Context, name, rawHost, username, password string, tlsSkipVerify bool) (*Instance, error) {
	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	query := `
		INSERT INTO instances (name, host, username, password_encrypted, tls_skip_verify)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, name, normalizedHost, username, encrypted, boolToInt(tlsSkipVerify))
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	query := `
		SELECT id, name, host, username, password_encrypted, tls_skip_verify, is_active, created_at, updated_at
		FROM instances
		WHERE id = ?
	`
	instance, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return instance, err
}

func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	query := `
		SELECT id, name, host, username, password_encrypted, tls_skip_verify, is_active, created_at, updated_at
		FROM instances
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

// ListActive returns only instances with automation enabled.
func (s *InstanceStore) ListActive(ctx context.Context) ([]*Instance, error) {
	instances, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	active := instances[:0]
	for _, instance := range instances {
		if instance.IsActive {
			active = append(active, instance)
		}
	}
	return active, nil
}

// Update modifies an instance. An empty password keeps the stored one.
func (s *InstanceStore) Update(ctx context.Context, id int, name, rawHost, username, password string, tlsSkipVerify, isActive bool) (*Instance, error) {
	normalizedHost, err := validateAndNormalizeHost(rawHost)
	if err != nil {
		return nil, err
	}

	if password != "" {
		encrypted, err := s.encryptor.Encrypt(password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query := `
			UPDATE instances
			SET name = ?, host = ?, username = ?, password_encrypted = ?, tls_skip_verify = ?, is_active = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`
		if _, err := s.db.ExecContext(ctx, query, name, normalizedHost, username, encrypted, boolToInt(tlsSkipVerify), boolToInt(isActive), id); err != nil {
			return nil, err
		}
	} else {
		query := `
			UPDATE instances
			SET name = ?, host = ?, username = ?, tls_skip_verify = ?, is_active = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`
		if _, err := s.db.ExecContext(ctx, query, name, normalizedHost, username, boolToInt(tlsSkipVerify), boolToInt(isActive), id); err != nil {
			return nil, err
		}
	}

	return s.Get(ctx, id)
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// GetDecryptedPassword returns the instance's plaintext password.
func (s *InstanceStore) GetDecryptedPassword(instance *Instance) (string, error) {
	if instance.PasswordEncrypted == "" {
		return "", nil
	}
	password, err := s.encryptor.Decrypt(instance.PasswordEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}
	return password, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var instance Instance
	var password sql.NullString
	var tlsSkipVerify, isActive int

	err := row.Scan(
		&instance.ID,
		&instance.Name,
		&instance.Host,
		&instance.Username,
		&password,
		&tlsSkipVerify,
		&isActive,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.PasswordEncrypted = password.String
	instance.TLSSkipVerify = tlsSkipVerify != 0
	instance.IsActive = isActive != 0

	return &instance, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
