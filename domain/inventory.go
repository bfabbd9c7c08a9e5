package domain

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Server is an SSH-reachable execution target.
type Server struct {
	ID         uuid.UUID
	Name       string
	Host       string
	Port       int
	Username   string
	PrivateKey string // PEM, decrypted; empty when password auth is used
	Password   string
	PreCommand string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Address returns host:port with the SSH default port filled in.
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

type ServerGroup struct {
	ID          uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Playbook struct {
	ID          uuid.UUID
	Name        string
	Description string
	FilePath    string
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Vault is a password-sealed secrets bundle. Blob is empty when no file was uploaded.
type Vault struct {
	ID          uuid.UUID
	Name        string
	Description string
	Password    string // decrypted vault password
	Blob        []byte
	FileName    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (v *Vault) HasFile() bool {
	return len(v.Blob) > 0
}
