package db

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/smallstep/nosql/database"

	"github.com/cpu/acmebroker/acme/keys"
	"github.com/cpu/acmebroker/acme/resources"
)

type stagedOp struct {
	bucket []byte
	key    []byte
	value  []byte
	entity string
	id     string
	op     string
	// index-only writes produce no change log row
	noChange bool
}

// Session is one unit of work against the store. Reads go straight to the
// database and return fresh copies; writes are staged with Put/Delete and
// applied atomically by Commit together with their change log rows.
//
// Background tasks must open their own session and re-read entities by id
// rather than reusing entities read under the originating request's session.
type Session struct {
	store     *Store
	actor     string
	writes    []stagedOp
	committed bool
}

func getEntity[T any](s *Session, bucket []byte, id string) (*T, error) {
	raw, err := s.store.get(bucket, []byte(id))
	if err != nil || raw == nil {
		return nil, err
	}
	entity := new(T)
	if err := json.Unmarshal(raw, entity); err != nil {
		return nil, fmt.Errorf("decoding %s %q: %w", bucket, id, err)
	}
	return entity, nil
}

// Account returns the account with the given kid, or nil if it does not
// exist.
func (s *Session) Account(kid string) (*resources.Account, error) {
	return getEntity[resources.Account](s, accountsBucket, kid)
}

// AccountByKey returns the account registered for the given public key, or
// nil. The account/key bijection makes this a thumbprint lookup.
func (s *Session) AccountByKey(key *jose.JSONWebKey) (*resources.Account, error) {
	kid, err := keys.Thumbprint(key)
	if err != nil {
		return nil, err
	}
	return s.Account(kid)
}

// Order returns the order with the given id if it is owned by the account
// with the given kid, nil otherwise.
func (s *Session) Order(kid, id string) (*resources.Order, error) {
	order, err := getEntity[resources.Order](s, ordersBucket, id)
	if err != nil || order == nil || order.AccountKID != kid {
		return nil, err
	}
	return order, nil
}

// Authorization returns the authorization with the given id if it is owned
// by the account with the given kid, nil otherwise.
func (s *Session) Authorization(kid, id string) (*resources.Authorization, error) {
	authz, err := getEntity[resources.Authorization](s, authzBucket, id)
	if err != nil || authz == nil || authz.AccountKID != kid {
		return nil, err
	}
	return authz, nil
}

// Challenge returns the challenge with the given id if it is owned by the
// account with the given kid, nil otherwise.
func (s *Session) Challenge(kid, id string) (*resources.Challenge, error) {
	challenge, err := getEntity[resources.Challenge](s, challengesBucket, id)
	if err != nil || challenge == nil || challenge.AccountKID != kid {
		return nil, err
	}
	return challenge, nil
}

// Certificate returns the certificate with the given id if it is owned by
// the account with the given kid, nil otherwise.
func (s *Session) Certificate(kid, id string) (*resources.Certificate, error) {
	cert, err := getEntity[resources.Certificate](s, certificatesBucket, id)
	if err != nil || cert == nil || cert.AccountKID != kid {
		return nil, err
	}
	return cert, nil
}

// CertificateByDER looks a certificate up by the SHA-256 fingerprint of its
// DER encoding, regardless of owner. Used by revoke-cert, where the request
// may be authenticated by the certificate key rather than an account.
func (s *Session) CertificateByDER(der []byte) (*resources.Certificate, error) {
	fingerprint := sha256.Sum256(der)
	id, err := s.store.get(certIndexBucket, fingerprint[:])
	if err != nil || id == nil {
		return nil, err
	}
	return getEntity[resources.Certificate](s, certificatesBucket, string(id))
}

// OrderAuthorizations loads all authorizations belonging to the order.
func (s *Session) OrderAuthorizations(order *resources.Order) ([]*resources.Authorization, error) {
	authzs := make([]*resources.Authorization, 0, len(order.AuthorizationIDs))
	for _, id := range order.AuthorizationIDs {
		authz, err := getEntity[resources.Authorization](s, authzBucket, id)
		if err != nil {
			return nil, err
		}
		if authz != nil {
			authzs = append(authzs, authz)
		}
	}
	return authzs, nil
}

// AuthorizationChallenges loads all challenges belonging to the
// authorization. Deleted siblings are skipped.
func (s *Session) AuthorizationChallenges(authz *resources.Authorization) ([]*resources.Challenge, error) {
	challenges := make([]*resources.Challenge, 0, len(authz.ChallengeIDs))
	for _, id := range authz.ChallengeIDs {
		challenge, err := getEntity[resources.Challenge](s, challengesBucket, id)
		if err != nil {
			return nil, err
		}
		if challenge != nil {
			challenges = append(challenges, challenge)
		}
	}
	return challenges, nil
}

// Accounts lists every account. Management surface only.
func (s *Session) Accounts() ([]*resources.Account, error) {
	return listEntities[resources.Account](s, accountsBucket)
}

// Orders lists every order. Management surface only.
func (s *Session) Orders() ([]*resources.Order, error) {
	return listEntities[resources.Order](s, ordersBucket)
}

// Certificates lists every certificate. Management surface only.
func (s *Session) Certificates() ([]*resources.Certificate, error) {
	return listEntities[resources.Certificate](s, certificatesBucket)
}

// Changes lists the change log. Management surface only.
func (s *Session) Changes() ([]*resources.Change, error) {
	return listEntities[resources.Change](s, changesBucket)
}

func listEntities[T any](s *Session, bucket []byte) ([]*T, error) {
	entries, err := s.store.db.List(bucket)
	if err != nil {
		if database.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*T, 0, len(entries))
	for _, entry := range entries {
		entity := new(T)
		if err := json.Unmarshal(entry.Value, entity); err != nil {
			return nil, fmt.Errorf("decoding %s %q: %w", bucket, entry.Key, err)
		}
		out = append(out, entity)
	}
	return out, nil
}

// Put stages an entity write. The concrete entity type determines the
// bucket and key.
func (s *Session) Put(entity interface{}) error {
	var op stagedOp
	switch e := entity.(type) {
	case *resources.Account:
		op = stagedOp{bucket: accountsBucket, key: []byte(e.KID), entity: "account", id: e.KID}
	case *resources.Order:
		op = stagedOp{bucket: ordersBucket, key: []byte(e.ID), entity: "order", id: e.ID}
	case *resources.Authorization:
		op = stagedOp{bucket: authzBucket, key: []byte(e.ID), entity: "authorization", id: e.ID}
	case *resources.Challenge:
		op = stagedOp{bucket: challengesBucket, key: []byte(e.ID), entity: "challenge", id: e.ID}
	case *resources.Certificate:
		op = stagedOp{bucket: certificatesBucket, key: []byte(e.ID), entity: "certificate", id: e.ID}
		// maintain the fingerprint index alongside the entity
		fingerprint := sha256.Sum256(e.DER)
		s.writes = append(s.writes, stagedOp{
			bucket:   certIndexBucket,
			key:      fingerprint[:],
			value:    []byte(e.ID),
			op:       "put",
			noChange: true,
		})
	default:
		return fmt.Errorf("cannot store entity of type %T", entity)
	}

	value, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encoding %s %q: %w", op.entity, op.id, err)
	}
	op.value = value
	op.op = "put"
	s.writes = append(s.writes, op)
	return nil
}

// DeleteChallenge stages deletion of a challenge. Challenges are the only
// entity the protocol ever deletes (losing siblings of a validated
// authorization).
func (s *Session) DeleteChallenge(id string) {
	s.writes = append(s.writes, stagedOp{
		bucket: challengesBucket,
		key:    []byte(id),
		entity: "challenge",
		id:     id,
		op:     "delete",
	})
}

// Commit applies all staged writes plus their change log rows as one
// database transaction. A session commits at most once.
func (s *Session) Commit() error {
	if s.committed {
		return fmt.Errorf("session has already been committed")
	}
	s.committed = true
	if len(s.writes) == 0 {
		return nil
	}

	s.store.commitMu.Lock()
	defer s.store.commitMu.Unlock()

	seq, err := s.changeSeq()
	if err != nil {
		return err
	}

	now := s.store.clk.Now().UTC()
	tx := new(database.Tx)
	for _, write := range s.writes {
		entry := &database.TxEntry{
			Bucket: write.bucket,
			Key:    write.key,
			Value:  write.value,
			Cmd:    database.Set,
		}
		if write.op == "delete" {
			entry.Cmd = database.Delete
		}
		tx.Operations = append(tx.Operations, entry)

		if write.noChange {
			continue
		}
		seq++
		change := &resources.Change{
			Seq:       seq,
			Timestamp: now,
			Actor:     s.actor,
			Entity:    write.entity,
			EntityID:  write.id,
			Op:        write.op,
		}
		changeValue, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("encoding change row: %w", err)
		}
		tx.Operations = append(tx.Operations, &database.TxEntry{
			Bucket: changesBucket,
			Key:    []byte(fmt.Sprintf("%020d", seq)),
			Value:  changeValue,
			Cmd:    database.Set,
		})
	}
	tx.Operations = append(tx.Operations, &database.TxEntry{
		Bucket: metaBucket,
		Key:    changeSeqKey,
		Value:  []byte(strconv.FormatInt(seq, 10)),
		Cmd:    database.Set,
	})

	if err := s.store.db.Update(tx); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}
	return nil
}

func (s *Session) changeSeq() (int64, error) {
	raw, err := s.store.get(metaBucket, changeSeqKey)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt change sequence value %q: %w", raw, err)
	}
	return seq, nil
}
