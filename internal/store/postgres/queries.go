package postgres

const scheduleColumns = `
    s.id, s.owner_user_id, s.pet_id, s.title,
    s.main_category, s.sub_category, s.frequency_kind, s.frequency_months,
    s.times_of_day, s.valid_from, s.valid_until, s.lead_days,
    s.alarm_enabled, s.all_day, s.detail, s.materialized_until,
    s.deleted, s.deleted_at, s.created_at, s.updated_at`

const occurrenceColumns = `
    o.id, o.schedule_id, o.occurrence_date, o.occurrence_minute, o.alarm_at,
    o.sent, o.sent_at, o.deleted, o.deleted_at, o.created_at`

const queryInsertSchedule = `
INSERT INTO schedules (
    id, owner_user_id, pet_id, title,
    main_category, sub_category, frequency_kind, frequency_months,
    times_of_day, valid_from, valid_until, lead_days,
    alarm_enabled, all_day, detail, materialized_until,
    deleted, deleted_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`

const queryUpdateSchedule = `
UPDATE schedules SET
    pet_id = $2, title = $3,
    main_category = $4, sub_category = $5, frequency_kind = $6, frequency_months = $7,
    times_of_day = $8, valid_from = $9, valid_until = $10, lead_days = $11,
    alarm_enabled = $12, all_day = $13, detail = $14, materialized_until = $15,
    deleted = $16, deleted_at = $17, updated_at = $18
WHERE id = $1
`

const queryGetSchedule = `
SELECT` + scheduleColumns + `
FROM schedules s
WHERE s.id = $1 AND s.deleted = false
`

const queryLockSchedule = `
SELECT` + scheduleColumns + `
FROM schedules s
WHERE s.id = $1 AND s.deleted = false
FOR UPDATE
`

const queryScheduleExists = `
SELECT EXISTS (SELECT 1 FROM schedules WHERE id = $1)
`

const queryListSchedules = `
SELECT` + scheduleColumns + `
FROM schedules s
WHERE s.deleted = false
  AND ($1::bigint = 0 OR s.owner_user_id = $1)
  AND ($2::bigint = 0 OR s.pet_id = $2)
  AND ($3::text = '' OR s.main_category = $3)
  AND ($4::text = '' OR s.sub_category = $4)
ORDER BY s.created_at DESC, s.id
`

const queryOpenEndedSchedules = `
SELECT` + scheduleColumns + `
FROM schedules s
WHERE s.deleted = false
  AND s.valid_until IS NULL
  AND s.materialized_until < $1::date
ORDER BY s.materialized_until, s.id
LIMIT NULLIF($2::int, 0)
`

const queryInsertOccurrence = `
INSERT INTO occurrences (
    id, schedule_id, occurrence_date, occurrence_minute, alarm_at,
    sent, sent_at, deleted, deleted_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryScheduleOccurrences = `
SELECT` + occurrenceColumns + `
FROM occurrences o
WHERE o.schedule_id = $1
ORDER BY o.occurrence_date, o.occurrence_minute
`

const queryListOccurrences = `
SELECT` + occurrenceColumns + `
FROM occurrences o
JOIN schedules s ON s.id = o.schedule_id
WHERE s.pet_id = $1
  AND ($2::bigint = 0 OR s.owner_user_id = $2)
  AND s.deleted = false
  AND o.deleted = false
  AND o.occurrence_date BETWEEN $3::date AND $4::date
ORDER BY o.occurrence_date, o.occurrence_minute, o.schedule_id
`

const queryDueAlarms = `
SELECT` + occurrenceColumns + `,` + scheduleColumns + `
FROM occurrences o
JOIN schedules s ON s.id = o.schedule_id
WHERE o.alarm_at >= $1
  AND o.alarm_at < $2
  AND o.sent = false
  AND o.deleted = false
  AND s.alarm_enabled = true
  AND s.deleted = false
ORDER BY o.alarm_at, o.schedule_id, o.occurrence_date, o.occurrence_minute
LIMIT NULLIF($3::int, 0)
`

// Guarded flip: PostgreSQL takes the row lock before evaluating WHERE, so
// concurrent callers serialize and only one sees an affected row.
const queryMarkSent = `
UPDATE occurrences
SET sent = true, sent_at = $2
WHERE id = $1
  AND sent = false
`

const queryOccurrenceExists = `
SELECT EXISTS (SELECT 1 FROM occurrences WHERE id = $1)
`

const querySoftDeleteOccurrence = `
UPDATE occurrences
SET deleted = true, deleted_at = $3
WHERE id = $1
  AND schedule_id = $2
  AND deleted = false
`

const queryReviveOccurrence = `
UPDATE occurrences
SET deleted = false, deleted_at = NULL, alarm_at = $3
WHERE id = $1
  AND schedule_id = $2
  AND deleted = true
`

const queryRealarmOccurrence = `
UPDATE occurrences
SET alarm_at = $3
WHERE id = $1
  AND schedule_id = $2
  AND deleted = false
`
