package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// InsertRequest persists a new federation request.
func (s *Store) InsertRequest(req *FederationRequest) error {
	if req.ID == "" {
		return errors.New("request id is required")
	}
	if req.Status == "" {
		req.Status = RequestPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	conflicts, err := json.Marshal(req.Conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO federation_requests (
			id, direction, requester_identity, requester_name, requester_http,
			requester_socket, target_identity, proposed_secret, conflicts,
			requester_users, requester_channels, status, reason, reviewed_by,
			review_notes, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		string(req.Direction),
		req.RequesterIdentity,
		req.RequesterName,
		req.RequesterHTTP,
		req.RequesterSocket,
		req.TargetIdentity,
		req.ProposedSecret,
		string(conflicts),
		req.RequesterStats.Users,
		req.RequesterStats.Channels,
		string(req.Status),
		req.Reason,
		req.ReviewedBy,
		req.ReviewNotes,
		unixMilli(req.CreatedAt),
		unixMilli(req.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert federation request %q: %w", req.ID, err)
	}
	return nil
}

// GetRequest fetches a federation request by ID.
func (s *Store) GetRequest(id string) (*FederationRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, direction, requester_identity, requester_name, requester_http,
			requester_socket, target_identity, proposed_secret, conflicts,
			requester_users, requester_channels, status, reason, reviewed_by,
			review_notes, created_at, expires_at
		FROM federation_requests WHERE id = ?`,
		id,
	)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get federation request %q: %w", id, err)
	}
	return req, nil
}

// ListRequestsByStatus returns requests in the given status, newest first.
func (s *Store) ListRequestsByStatus(status RequestStatus) ([]FederationRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, direction, requester_identity, requester_name, requester_http,
			requester_socket, target_identity, proposed_secret, conflicts,
			requester_users, requester_channels, status, reason, reviewed_by,
			review_notes, created_at, expires_at
		FROM federation_requests WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list federation requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]FederationRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan federation request row: %w", err)
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// TransitionRequest moves a request from one status to another with
// compare-and-set semantics: if the row is not currently in `from`, no
// row is updated and ErrStatusConflict is returned. Two concurrent
// approvals of the same request therefore cannot both succeed.
func (s *Store) TransitionRequest(id string, from, to RequestStatus, reason, reviewedBy, notes string) error {
	res, err := s.db.Exec(
		`UPDATE federation_requests
		SET status = ?, reason = ?, reviewed_by = ?, review_notes = ?
		WHERE id = ? AND status = ?`,
		string(to), reason, reviewedBy, notes, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition federation request %q: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition federation request %q: %w", id, err)
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		if _, getErr := s.GetRequest(id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// UpdateRequestConflicts replaces the stored conflict analysis, used
// when the approver overrides suggested resolutions.
func (s *Store) UpdateRequestConflicts(id string, conflicts []ChannelConflict) error {
	encoded, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("encode conflicts: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE federation_requests SET conflicts = ? WHERE id = ?`,
		string(encoded), id,
	)
	if err != nil {
		return fmt.Errorf("update conflicts for request %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRequest removes a request row entirely. Used to roll back an
// outbound request whose submission never reached the target.
func (s *Store) DeleteRequest(id string) error {
	res, err := s.db.Exec(`DELETE FROM federation_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete federation request %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireStaleRequests marks every pending request past its expiry as
// expired and returns how many were swept.
func (s *Store) ExpireStaleRequests(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE federation_requests
		SET status = ?, reason = 'expired'
		WHERE status = ? AND expires_at < ?`,
		string(RequestExpired), string(RequestPending), unixMilli(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale requests: %w", err)
	}
	return int(n), nil
}

func scanRequest(row rowScanner) (*FederationRequest, error) {
	var (
		req       FederationRequest
		direction string
		conflicts string
		status    string
		createdAt int64
		expiresAt int64
	)

	if err := row.Scan(
		&req.ID, &direction, &req.RequesterIdentity, &req.RequesterName,
		&req.RequesterHTTP, &req.RequesterSocket, &req.TargetIdentity,
		&req.ProposedSecret, &conflicts, &req.RequesterStats.Users,
		&req.RequesterStats.Channels, &status, &req.Reason, &req.ReviewedBy,
		&req.ReviewNotes, &createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}

	req.Direction = RequestDirection(direction)
	req.Status = RequestStatus(status)
	req.CreatedAt = fromUnixMilli(createdAt)
	req.ExpiresAt = fromUnixMilli(expiresAt)

	if err := json.Unmarshal([]byte(conflicts), &req.Conflicts); err != nil {
		return nil, fmt.Errorf("decode conflicts: %w", err)
	}

	return &req, nil
}
