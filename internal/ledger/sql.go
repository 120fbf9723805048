package ledger

const (
	insertFlightSQL = `
INSERT INTO flights (id, started_at)
VALUES (?, ?)`

	insertVisitSQL = `
INSERT INTO visits (flight_id,
                    station_id,
                    started_at,
                    finished_at,
                    wake_attempts,
                    wake_acked,
                    outcome,
                    files,
                    bytes,
                    skipped,
                    error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectVisitsSQL = `
SELECT
    id,
    flight_id,
    station_id,
    started_at,
    finished_at,
    wake_attempts,
    wake_acked,
    outcome,
    files,
    bytes,
    skipped,
    error
FROM visits
WHERE
    flight_id = ?
ORDER BY id`

	selectLastVisitSQL = `
SELECT
    id,
    flight_id,
    station_id,
    started_at,
    finished_at,
    wake_attempts,
    wake_acked,
    outcome,
    files,
    bytes,
    skipped,
    error
FROM visits
WHERE
    station_id = ?
ORDER BY id DESC
LIMIT 1`
)
