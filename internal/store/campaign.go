package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateCampaign journals a campaign and its full task queue in one
// transaction. Tasks are built up front, not lazily per tick.
func (db *DB) CreateCampaign(c *Campaign, tasks []CampaignTask) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO campaigns (id, template, interval_seconds, status, created_at, updated_at)
		VALUES (?, ?, ?, 'running', ?, ?)`,
		c.ID, c.Template, c.IntervalSeconds, now, now); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for _, t := range tasks {
		if _, err := tx.Exec(`
			INSERT INTO campaign_tasks (campaign_id, seq, phone, full_name, message, status, updated_at)
			VALUES (?, ?, ?, ?, ?, 'queued', ?)`,
			c.ID, t.Seq, t.Phone, t.FullName, t.Message, now); err != nil {
			return fmt.Errorf("insert task %d: %w", t.Seq, err)
		}
	}

	return tx.Commit()
}

// MarkTaskSent updates a task to 'sent' status.
func (db *DB) MarkTaskSent(campaignID string, seq int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE campaign_tasks SET status = 'sent', updated_at = ? WHERE campaign_id = ? AND seq = ?`, now, campaignID, seq)
	return err
}

// MarkTaskFailed updates a task to 'failed' with an error message.
func (db *DB) MarkTaskFailed(campaignID string, seq int, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE campaign_tasks SET status = 'failed', error_message = ?, updated_at = ? WHERE campaign_id = ? AND seq = ?`, errMsg, now, campaignID, seq)
	return err
}

// FinishCampaign marks a campaign as completed or cancelled.
func (db *DB) FinishCampaign(campaignID, finalStatus string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`, finalStatus, now, campaignID)
	return err
}

// GetCampaign returns a campaign by id, or nil if absent.
func (db *DB) GetCampaign(id string) (*Campaign, error) {
	var c Campaign
	err := db.QueryRow(`
		SELECT id, template, interval_seconds, status, created_at
		FROM campaigns WHERE id = ?`, id).
		Scan(&c.ID, &c.Template, &c.IntervalSeconds, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaignTasks returns a campaign's tasks in send order.
func (db *DB) ListCampaignTasks(campaignID string) ([]CampaignTask, error) {
	rows, err := db.Query(`
		SELECT id, campaign_id, seq, phone, full_name, message, status, error_message
		FROM campaign_tasks WHERE campaign_id = ? ORDER BY seq ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []CampaignTask
	for rows.Next() {
		var t CampaignTask
		if err := rows.Scan(&t.ID, &t.CampaignID, &t.Seq, &t.Phone, &t.FullName, &t.Message, &t.Status, &t.ErrorMessage); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
