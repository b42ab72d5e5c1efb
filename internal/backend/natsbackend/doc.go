// Package natsbackend exchanges requests and replies with workers over NATS
// core subjects.
//
// Workers consume the request subject and reply by publishing a JSON object
// carrying the correlation fields (see the correlation package) to
// <reply_prefix>.<_relay_instance>, or to <reply_prefix>.all with only
// _relay_user_id set to push to every connection of a user.
package natsbackend
