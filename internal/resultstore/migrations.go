package resultstore

const schema = `
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    diff_phid TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    revision TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_results_diff_phid ON results(diff_phid);
CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);

CREATE TABLE IF NOT EXISTS coverage_triggers (
    group_id TEXT PRIMARY KEY,
    task_id TEXT,
    triggered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
