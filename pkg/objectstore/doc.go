/*
Package objectstore stores backup archives in an S3-compatible bucket.

Objects live under one prefix per retention class (daily/, weekly/,
monthly/, final/). Aging is delegated to the bucket itself:
ApplyRetentionPolicy installs one lifecycle expiry rule per aging
class at startup, so the control plane never walks the bucket to
delete old archives. Final backups carry no rule and stay until an
admin deletes them.

The S3 store works against AWS and MinIO. MinIO deployments set the
endpoint override, path-style addressing and static keys in the backup
config. The in-memory store backs development and tests.
*/
package objectstore
