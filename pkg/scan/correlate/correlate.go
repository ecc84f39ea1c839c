// Package correlate labels the issues of a finished scan against the previous
// scan of the same target and plan. New issues become Current with no prior
// status, recurring issues keep their history in OldStatus, and issues that
// stopped appearing are re-attached to the latest scan and marked Fixed when
// the matching plugin session finished cleanly.
package correlate

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pyneda/minion/db"
)

// Run correlates the most recent scan of scanID's (target, plan) pair with
// its predecessor. It runs once per scan: a scan already marked correlated is
// left untouched, which makes repeated deliveries a no-op.
func Run(conn *db.DatabaseConnection, scanID uuid.UUID) error {
	scan, err := conn.GetScan(scanID)
	if err != nil {
		return err
	}

	scans, err := conn.FindScansFor(scan.Target, scan.PlanName, 2)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		return nil
	}

	latest := scans[0]
	if latest.Correlated {
		log.Debug().Str("scan", latest.ID.String()).Msg("Scan already correlated")
		return nil
	}

	var previous *db.Scan
	if len(scans) > 1 {
		previous = scans[1]
	}

	if err := correlate(conn, latest, previous); err != nil {
		return err
	}
	return conn.SetScanFields(latest.ID, map[string]interface{}{"correlated": true})
}

func correlate(conn *db.DatabaseConnection, latest, previous *db.Scan) error {
	// First scan of this pair: everything it found is new.
	if previous == nil {
		for _, issueID := range latest.IssueIDs() {
			if err := conn.SetIssueStatus(issueID, db.IssueStatusCurrent, db.IssueStatusNone); err != nil {
				return err
			}
		}
		return nil
	}

	before, err := statusSnapshot(conn, latest, previous)
	if err != nil {
		return err
	}

	previousRefs := make(map[string]struct{})
	for _, issueID := range previous.IssueIDs() {
		previousRefs[issueID] = struct{}{}
	}

	// Pass one: every issue the latest scan references is current. Issues the
	// previous scan also saw keep their prior status in OldStatus.
	for _, issueID := range latest.IssueIDs() {
		oldStatus := db.IssueStatusNone
		if _, recurring := previousRefs[issueID]; recurring {
			oldStatus = before[issueID]
		}
		if err := conn.SetIssueStatus(issueID, db.IssueStatusCurrent, oldStatus); err != nil {
			return err
		}
	}

	// Pass two: issues the previous scan saw but the latest did not. Attach
	// them to the session running the same plugin so the timeline stays
	// navigable, and mark them Fixed only when that session finished cleanly.
	for _, previousSession := range previous.Sessions {
		for _, issueID := range previousSession.IssueRefs {
			session := sessionForPlugin(latest, previousSession.Plugin.Name)
			if session == nil || referencesIssue(session, issueID) {
				continue
			}
			if err := conn.PushSessionIssueRef(session.ID, issueID); err != nil {
				return err
			}
			status := db.IssueStatusFixed
			if session.State != db.SessionStateFinished {
				status = before[issueID]
			}
			if err := conn.SetIssueStatus(issueID, status, before[issueID]); err != nil {
				return err
			}
		}
	}
	return nil
}

// statusSnapshot reads the statuses of every issue either scan references
// before any of them is rewritten. Issues that were never correlated report
// "-" rather than an empty status.
func statusSnapshot(conn *db.DatabaseConnection, latest, previous *db.Scan) (map[string]db.IssueStatus, error) {
	ids := append(latest.IssueIDs(), previous.IssueIDs()...)
	issues, err := conn.GetIssuesByIDs(ids)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]db.IssueStatus, len(ids))
	for _, id := range ids {
		statuses[id] = db.IssueStatusNone
	}
	for _, issue := range issues {
		if issue.Status != "" {
			statuses[issue.ID] = issue.Status
		}
	}
	return statuses, nil
}

func sessionForPlugin(scan *db.Scan, pluginName string) *db.Session {
	for i := range scan.Sessions {
		if scan.Sessions[i].Plugin.Name == pluginName {
			return &scan.Sessions[i]
		}
	}
	return nil
}

func referencesIssue(session *db.Session, issueID string) bool {
	for _, ref := range session.IssueRefs {
		if ref == issueID {
			return true
		}
	}
	return false
}
