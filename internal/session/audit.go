package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/archhq/arch/internal/log"
)

// AuditFile is the permissions audit log in the state directory.
const AuditFile = "permissions_audit.log"

// Audit actions recorded in the permissions log.
const (
	AuditStartupApproval = "STARTUP_APPROVAL"
	AuditSkipPermissions = "SKIP_PERMISSIONS"
)

// AppendAudit appends one line to the permissions audit log. Fields are
// preformatted key=value pairs.
func AppendAudit(stateDir, action string, fields ...string) error {
	path := filepath.Join(stateDir, AuditFile)
	ts := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	entry := ts + "  " + action + "  " + strings.Join(fields, "  ") + "\n"

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G302,G304: audit log under the state dir
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

// LogPermissionsAudit records a skip-permissions spawn.
func LogPermissionsAudit(stateDir, agentID, role string) {
	err := AppendAudit(stateDir, AuditSkipPermissions,
		"agent_id="+agentID, "role="+role, "approved_by=user")
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to write permissions audit", err, "agentID", agentID)
	}
	log.Warn(log.CatSession, "SKIP_PERMISSIONS granted", "agentID", agentID, "role", role)
}
