// Package auth identifies dashboard users and signs their session tokens.
//
// TokenService issues HS256 access/refresh pairs with the key id in the
// header. Tokens are stateless: they end by expiry or by key rotation.
// What rotation does to outstanding tokens is chosen explicitly with
// RotationPolicy:
//   - grace: retired secrets keep verifying for the grace period (the
//     refresh TTL by default), so sessions survive a rotation
//   - revoke: retired secrets are dropped at once and every session must
//     log in again
//
// Rotation is triggered by the admin API, by a change to the secret file
// (SecretWatcher) or on a fixed interval.
//
// Passwords are stored as argon2id PHC strings. Roles are operator,
// manager and admin, mapped statically to permissions.
package auth
