package executor

import (
	"fmt"
)

// S3RepoURL formats the repository address of a cloud object-store repo.
func S3RepoURL(region, bucket string) string {
	return fmt.Sprintf("s3:s3.%s.amazonaws.com/%s", region, bucket)
}

// localBackupArgs builds the argv for a local backup run:
// -r <repo> backup --json <paths…> [--exclude X]* <custom…> [--tag T]*
func localBackupArgs(repoPath string, msg map[string]any) []string {
	args := []string{"-r", repoPath, "backup", "--json"}
	args = append(args, stringsField(msg, "paths")...)
	for _, ex := range stringsField(msg, "exclude") {
		args = append(args, "--exclude", ex)
	}
	args = append(args, stringsField(msg, "custom_options")...)
	for _, tag := range stringsField(msg, "tags") {
		args = append(args, "--tag", tag)
	}
	return args
}

// localRestoreArgs builds the argv for a local restore run:
// -r <repo> restore <snapshot> --target <path> --json [--exclude]* [--include]* <custom…>
func localRestoreArgs(repoPath string, msg map[string]any) []string {
	snapshotID := stringFieldDefault(msg, "snapshot_id", "latest")
	targetPath := stringFieldDefault(msg, "target_path", ".")

	args := []string{"-r", repoPath, "restore", snapshotID, "--target", targetPath, "--json"}
	for _, ex := range stringsField(msg, "exclude") {
		args = append(args, "--exclude", ex)
	}
	for _, inc := range stringsField(msg, "include") {
		args = append(args, "--include", inc)
	}
	args = append(args, stringsField(msg, "custom_options")...)
	return args
}

// s3BackupArgs builds the argv for a cloud backup run. The repository and
// credentials travel via the environment, so there is no -r flag.
func s3BackupArgs(msg map[string]any) []string {
	args := []string{"backup", "--json"}
	args = append(args, stringsField(msg, "paths")...)
	for _, ex := range stringsField(msg, "exclude") {
		args = append(args, "--exclude", ex)
	}
	args = append(args, stringsField(msg, "custom_options")...)
	for _, tag := range stringsField(msg, "tags") {
		args = append(args, "--tag", tag)
	}
	return args
}

// s3RestoreArgs builds the argv for a cloud restore run.
func s3RestoreArgs(msg map[string]any) []string {
	snapshotID := stringFieldDefault(msg, "snapshot_id", "latest")
	targetPath := stringFieldDefault(msg, "target_path", ".")

	args := []string{"restore", snapshotID, "--target", targetPath, "--json"}
	for _, ex := range stringsField(msg, "exclude") {
		args = append(args, "--exclude", ex)
	}
	for _, inc := range stringsField(msg, "include") {
		args = append(args, "--include", inc)
	}
	args = append(args, stringsField(msg, "custom_options")...)
	return args
}

// s3Env validates the cloud credential fields (already decrypted) and
// returns the repository URL plus the subprocess environment overlay.
func s3Env(msg map[string]any) (string, map[string]string, error) {
	region := stringField(msg, "region")
	bucket := stringField(msg, "bucket_name")
	accessKey := stringField(msg, "aws_access_key_id")
	secretKey := stringField(msg, "aws_secret_access_key")

	if accessKey == "" || secretKey == "" || region == "" || bucket == "" {
		return "", nil, fmt.Errorf("executor: aws credentials, region, and bucket_name are required")
	}

	repoURL := S3RepoURL(region, bucket)
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     accessKey,
		"AWS_SECRET_ACCESS_KEY": secretKey,
		"AWS_SESSION_TOKEN":     stringField(msg, "aws_session_token"),
		"RESTIC_REPOSITORY":     repoURL,
		"RESTIC_PASSWORD":       stringField(msg, "password"),
	}
	return repoURL, env, nil
}

// stringField returns the string value of a message field, or "".
func stringField(msg map[string]any, key string) string {
	v, _ := msg[key].(string)
	return v
}

// stringFieldDefault returns the string value of a message field, or def
// when the field is absent or empty.
func stringFieldDefault(msg map[string]any, key, def string) string {
	if v := stringField(msg, key); v != "" {
		return v
	}
	return def
}

// stringsField returns the string-slice value of a message field. JSON
// decoding produces []any, so each element is converted; non-string elements
// are skipped.
func stringsField(msg map[string]any, key string) []string {
	raw, ok := msg[key].([]any)
	if !ok {
		// Typed slices appear when a handler is called in-process.
		if typed, ok := msg[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, elem := range raw {
		if s, ok := elem.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// historyEnabled reports the command_history flag, which defaults to true.
func historyEnabled(msg map[string]any) bool {
	v, ok := msg["command_history"].(bool)
	if !ok {
		return true
	}
	return v
}
